package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SeedAccount is the administrator created on first start.
type SeedAccount struct {
	UserName string
	Email    string
	Password string
}

// Seed makes sure the admin and default roles exist and, when acct names a
// user that does not exist yet, creates it with a confirmed email and the
// admin role. Running it again is a no-op.
func (s *AccountService) Seed(ctx context.Context, adminRole string, acct SeedAccount) error {
	st := s.stores()
	for _, name := range []string{adminRole, s.opts.DefaultRole} {
		if name == "" {
			continue
		}
		_, err := st.Roles.GetRole(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRoleNotFound) {
			return fmt.Errorf("load role %s: %w", name, err)
		}
		if _, err := st.Roles.CreateRole(ctx, name, nil); err != nil {
			return fmt.Errorf("create role %s: %w", name, err)
		}
		s.logger.Infow("role seeded", "role", name)
	}

	if strings.TrimSpace(acct.UserName) == "" {
		return nil
	}
	_, err := st.Users.FindByName(ctx, acct.UserName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load seed user: %w", err)
	}

	res := s.CreateUser(ctx, CreateUserRequest{UserName: acct.UserName, Email: acct.Email, Password: acct.Password})
	if !res.Success {
		return fmt.Errorf("create seed user: %v", res.Errors)
	}
	u, err := st.Users.FindByID(ctx, res.Value)
	if err != nil {
		return fmt.Errorf("reload seed user: %w", err)
	}
	token, err := st.Users.GenerateEmailConfirmationToken(ctx, u)
	if err != nil {
		return fmt.Errorf("seed confirmation token: %w", err)
	}
	if err := st.Users.ConfirmEmail(ctx, u, token); err != nil {
		return fmt.Errorf("confirm seed email: %w", err)
	}
	if adminRole != "" {
		if r := s.AssignRoles(ctx, u.ID, []string{adminRole}); !r.Success {
			return fmt.Errorf("assign admin role: %v", r.Errors)
		}
	}
	s.logger.Infow("seed user created", "user_id", u.ID, "username", u.UserName)
	return nil
}
