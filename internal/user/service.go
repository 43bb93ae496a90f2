package user

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/uow"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/security"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/result"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

var (
	ErrUnknownUser       = errors.New("unknown user")
	ErrBadCredentials    = errors.New("invalid credentials")
	ErrLocked            = errors.New("user locked")
	ErrDisabled          = errors.New("user disabled")
	ErrEmailNotConfirmed = errors.New("email not confirmed")
)

// Authenticator verifies authenticator-app codes and builds enrollment URIs.
type Authenticator interface {
	ProvisionURI(key, account string) string
	VerifyCode(key, code string) (bool, error)
}

// SessionRevoker drops the issued sessions of a principal after a credential change.
type SessionRevoker interface {
	RevokeSubject(ctx context.Context, userID int64) error
}

type ServiceOptions struct {
	DefaultRole string
	// WebURL is the front end that serves the confirm-email and reset-password pages.
	WebURL string
}

// AccountService runs the multi-step account mutations. Each call builds its
// own Stores, so a service is safe for concurrent use.
type AccountService struct {
	stores        StoresFactory
	authenticator Authenticator
	dispatcher    notify.Dispatcher
	revoker       SessionRevoker
	opts          ServiceOptions
	logger        *zap.SugaredLogger
	now           func() time.Time
}

func NewAccountService(stores StoresFactory, authenticator Authenticator, dispatcher notify.Dispatcher, opts ServiceOptions, logger *zap.SugaredLogger) *AccountService {
	if opts.DefaultRole == "" {
		opts.DefaultRole = "Member"
	}
	return &AccountService{
		stores:        stores,
		authenticator: authenticator,
		dispatcher:    dispatcher,
		opts:          opts,
		logger:        logger,
		now:           time.Now,
	}
}

// UseRevoker attaches the session revoker once the issuer exists.
func (s *AccountService) UseRevoker(r SessionRevoker) {
	s.revoker = r
}

// Stores exposes a fresh set of repositories for collaborators such as the login coordinator.
func (s *AccountService) Stores() *Stores {
	return s.stores()
}

type CreateUserRequest struct {
	UserName    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	MiddleName  string `json:"middle_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
}

func (r CreateUserRequest) validate() string {
	switch {
	case strings.TrimSpace(r.UserName) == "":
		return "username is required"
	case !strings.Contains(r.Email, "@"):
		return "email is invalid"
	case r.Password == "":
		return "password is required"
	}
	return ""
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type UpdateProfileRequest struct {
	ID               int64                `json:"id"`
	UserName         string               `json:"username"`
	Email            string               `json:"email"`
	FirstName        string               `json:"first_name"`
	MiddleName       string               `json:"middle_name"`
	LastName         string               `json:"last_name"`
	PhoneNumber      string               `json:"phone_number"`
	Active           bool                 `json:"active"`
	TwoFactorEnabled bool                 `json:"two_factor_enabled"`
	TwoFactorType    entity.TwoFactorType `json:"two_factor_type"`
	// ConcurrencyStamp, when sent, must match the stored stamp.
	ConcurrencyStamp string `json:"concurrency_stamp,omitempty"`
}

type ResetPasswordRequest struct {
	UserID      int64  `json:"user_id"`
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// AuthenticatorSetup is what the client renders as a QR code and a manual key.
type AuthenticatorSetup struct {
	AuthenticatorURI string `json:"authenticator_uri"`
	SetupKey         string `json:"setup_key"`
}

// UserDTO is the externally visible view of a principal.
type UserDTO struct {
	ID               int64                `json:"id"`
	UserName         string               `json:"username"`
	Email            string               `json:"email"`
	EmailConfirmed   bool                 `json:"email_confirmed"`
	FirstName        string               `json:"first_name"`
	MiddleName       string               `json:"middle_name"`
	LastName         string               `json:"last_name"`
	PhoneNumber      string               `json:"phone_number"`
	Active           bool                 `json:"active"`
	TwoFactorEnabled bool                 `json:"two_factor_enabled"`
	TwoFactorType    entity.TwoFactorType `json:"two_factor_type"`
	ConcurrencyStamp string               `json:"concurrency_stamp"`
	Roles            []string             `json:"roles"`
	CreatedAt        time.Time            `json:"created_at"`
}

type RoleDTO struct {
	ID     int64          `json:"id"`
	Name   string         `json:"name"`
	Claims []entity.Claim `json:"claims"`
}

func toUserDTO(u *entity.User, roles []entity.Role) UserDTO {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return UserDTO{
		ID:               u.ID,
		UserName:         u.UserName,
		Email:            u.Email,
		EmailConfirmed:   u.EmailConfirmed,
		FirstName:        u.FirstName,
		MiddleName:       u.MiddleName,
		LastName:         u.LastName,
		PhoneNumber:      u.PhoneNumber,
		Active:           u.Active,
		TwoFactorEnabled: u.TwoFactorEnabled,
		TwoFactorType:    u.TwoFactorType,
		ConcurrencyStamp: u.ConcurrencyStamp,
		Roles:            names,
		CreatedAt:        u.CreatedAt,
	}
}

func toRoleDTO(r entity.Role) RoleDTO {
	claims := r.Claims
	if claims == nil {
		claims = []entity.Claim{}
	}
	return RoleDTO{ID: r.ID, Name: r.Name, Claims: claims}
}

// unexpected logs err and hides it behind the generic failure key.
func unexpected[T any](logger *zap.SugaredLogger, op string, err error) result.Result[T] {
	logger.Errorw(op+" failed", "err", err)
	return result.Fail[T](http.StatusInternalServerError, result.ErrErrorOccured)
}

// findUser maps a missing principal to a 404 result.
func findUser[T any](ctx context.Context, s *AccountService, st *Stores, id int64) (*entity.User, *result.Result[T]) {
	u, err := st.Users.FindByID(ctx, id)
	if err == nil {
		return u, nil
	}
	var res result.Result[T]
	if errors.Is(err, ErrNotFound) {
		res = result.Fail[T](http.StatusNotFound, result.ErrUserNotFound)
	} else {
		res = unexpected[T](s.logger, "load user", err)
	}
	return nil, &res
}

// checkUnique returns the failure key when userName or email collides with an
// account other than selfID.
func (s *AccountService) checkUnique(ctx context.Context, st *Stores, userName, email string, selfID int64) (string, error) {
	taken := func(u *entity.User, err error) (bool, error) {
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return u.ID != selfID, nil
	}

	if hit, err := taken(st.Users.FindByName(ctx, userName)); err != nil || hit {
		return result.ErrUserExists, err
	}
	if hit, err := taken(st.Users.FindByEmail(ctx, email)); err != nil || hit {
		return result.ErrUserExists, err
	}
	if hit, err := taken(st.Users.FindByEmail(ctx, userName)); err != nil || hit {
		return result.ErrUsernameMustBeDifferentThanEmail, err
	}
	if hit, err := taken(st.Users.FindByName(ctx, email)); err != nil || hit {
		return result.ErrUsernameMustBeDifferentThanEmail, err
	}
	return "", nil
}

// CreateUser registers an account, its default role and its profile in one
// transaction, then sends the confirmation email.
func (s *AccountService) CreateUser(ctx context.Context, req CreateUserRequest) result.Result[int64] {
	if msg := req.validate(); msg != "" {
		return result.FailCause[int64](http.StatusBadRequest, result.ErrValidation, msg)
	}
	st := s.stores()
	key, err := s.checkUnique(ctx, st, req.UserName, req.Email, 0)
	if err != nil {
		return unexpected[int64](s.logger, "check user uniqueness", err)
	}
	if key != "" {
		return result.Fail[int64](http.StatusBadRequest, key)
	}

	u := &entity.User{
		UserName:      strings.TrimSpace(req.UserName),
		Email:         strings.TrimSpace(req.Email),
		FirstName:     req.FirstName,
		MiddleName:    req.MiddleName,
		LastName:      req.LastName,
		PhoneNumber:   req.PhoneNumber,
		Active:        true,
		TwoFactorType: entity.TwoFactorNone,
	}
	err = uow.Within(ctx, st.UoW, func(ctx context.Context) error {
		if err := st.Users.Create(ctx, u, req.Password); err != nil {
			return err
		}
		role, err := st.Roles.GetRole(ctx, s.opts.DefaultRole)
		if err != nil {
			return err
		}
		st.Roles.AssignRoles(ctx, u.ID, role.ID)
		st.Profiles.Create(ctx, &entity.Profile{
			UserID:    u.ID,
			FullName:  u.FullName(),
			Email:     u.Email,
			Phone:     u.PhoneNumber,
			CreatedAt: s.now().UTC(),
		})
		_, err = st.UoW.SaveChanges(ctx)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrPasswordTooShort):
			return result.Fail[int64](http.StatusBadRequest, result.ErrInvalidPassword)
		case errors.Is(err, ErrRoleNotFound):
			s.logger.Errorw("default role missing", "role", s.opts.DefaultRole)
			return result.Fail[int64](http.StatusInternalServerError, result.ErrRoleDoesNotExist)
		default:
			return unexpected[int64](s.logger, "create user", err)
		}
	}

	s.logger.Infow("user created", "user_id", u.ID, "username", u.UserName)
	if err := s.sendConfirmation(ctx, st, u); err != nil {
		s.logger.Warnw("confirmation email not sent", "user_id", u.ID, "err", err)
	}
	return result.Created(u.ID)
}

// ChangePassword rotates the password. Without a current password the old
// one is removed and the new one added atomically.
func (s *AccountService) ChangePassword(ctx context.Context, userID int64, req ChangePasswordRequest) result.Result[result.Empty] {
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, userID)
	if fail != nil {
		return *fail
	}

	if req.CurrentPassword == "" {
		err := uow.Within(ctx, st.UoW, func(ctx context.Context) error {
			if err := st.Users.RemovePassword(ctx, u); err != nil {
				return err
			}
			return st.Users.AddPassword(ctx, u, req.NewPassword)
		})
		if err != nil {
			return s.passwordFailure("force password change", err)
		}
		s.revokeSessions(ctx, userID)
		return result.Ok(result.Empty{})
	}

	ok, err := st.Users.CheckPassword(ctx, u, req.CurrentPassword)
	if err != nil {
		return unexpected[result.Empty](s.logger, "check password", err)
	}
	if !ok {
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrIncorrectCurrentPassword)
	}
	if err := st.Users.ChangePassword(ctx, u, req.CurrentPassword, req.NewPassword); err != nil {
		return s.passwordFailure("change password", err)
	}
	s.revokeSessions(ctx, userID)
	return result.Ok(result.Empty{})
}

func (s *AccountService) passwordFailure(op string, err error) result.Result[result.Empty] {
	switch {
	case errors.Is(err, ErrPasswordTooShort):
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrInvalidPassword)
	case errors.Is(err, ErrPasswordMismatch):
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrIncorrectCurrentPassword)
	case errors.Is(err, ErrConcurrencyFailure):
		return result.Fail[result.Empty](http.StatusConflict, result.ErrConcurrencyFailure)
	default:
		return unexpected[result.Empty](s.logger, op, err)
	}
}

// EnableAuthenticator returns the enrollment data, provisioning the key on first use.
// The second factor stays off until VerifyAuthenticator succeeds.
func (s *AccountService) EnableAuthenticator(ctx context.Context, userID int64) result.Result[AuthenticatorSetup] {
	st := s.stores()
	u, fail := findUser[AuthenticatorSetup](ctx, s, st, userID)
	if fail != nil {
		return *fail
	}
	key, err := st.Users.GetOrCreateAuthenticatorKey(ctx, u)
	if err != nil {
		return unexpected[AuthenticatorSetup](s.logger, "provision authenticator key", err)
	}
	return result.Ok(AuthenticatorSetup{
		AuthenticatorURI: s.authenticator.ProvisionURI(key, u.UserName),
		SetupKey:         key,
	})
}

// VerifyAuthenticator switches the account to authenticator-app sign-in once
// the user proves the app produces valid codes.
func (s *AccountService) VerifyAuthenticator(ctx context.Context, userID int64, code string) result.Result[result.Empty] {
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, userID)
	if fail != nil {
		return *fail
	}
	if u.AuthenticatorKey == nil || *u.AuthenticatorKey == "" {
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrInvalidCode)
	}
	ok, err := s.authenticator.VerifyCode(*u.AuthenticatorKey, code)
	if err != nil {
		s.logger.Warnw("authenticator key unreadable", "user_id", u.ID, "err", err)
	}
	if err != nil || !ok {
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrInvalidCode)
	}

	err = uow.Within(ctx, st.UoW, func(ctx context.Context) error {
		u.TwoFactorType = entity.TwoFactorAuthenticator
		if err := st.Users.SetTwoFactorEnabled(ctx, u, true); err != nil {
			return err
		}
		_, err := st.UoW.SaveChanges(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConcurrencyFailure) {
			return result.Fail[result.Empty](http.StatusConflict, result.ErrConcurrencyFailure)
		}
		return unexpected[result.Empty](s.logger, "enable authenticator", err)
	}
	return result.Ok(result.Empty{})
}

// UpdateProfile applies the caller's own profile edits.
func (s *AccountService) UpdateProfile(ctx context.Context, req UpdateProfileRequest) result.Result[result.Empty] {
	p, ok := utilities.PrincipalFromContext(ctx)
	if !ok || p.ID != req.ID {
		return result.Fail[result.Empty](http.StatusForbidden, result.ErrUnauthorized)
	}
	return s.updateUser(ctx, req)
}

// UpdateUser is the administrator's edit of any account. The route is
// guarded by the admin role.
func (s *AccountService) UpdateUser(ctx context.Context, req UpdateProfileRequest) result.Result[result.Empty] {
	res := s.updateUser(ctx, req)
	if res.Success {
		s.logger.Infow("user updated by administrator", "user_id", req.ID, "by", utilities.Actor(ctx))
	}
	return res
}

func (s *AccountService) updateUser(ctx context.Context, req UpdateProfileRequest) result.Result[result.Empty] {
	if req.TwoFactorType == "" {
		req.TwoFactorType = entity.TwoFactorNone
	}
	if !req.TwoFactorType.Valid() {
		return result.FailCause[result.Empty](http.StatusBadRequest, result.ErrValidation, "unknown two-factor type")
	}
	if strings.TrimSpace(req.UserName) == "" || !strings.Contains(req.Email, "@") {
		return result.FailCause[result.Empty](http.StatusBadRequest, result.ErrValidation, "username and email are required")
	}

	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, req.ID)
	if fail != nil {
		return *fail
	}
	key, err := s.checkUnique(ctx, st, req.UserName, req.Email, u.ID)
	if err != nil {
		return unexpected[result.Empty](s.logger, "check user uniqueness", err)
	}
	if key != "" {
		return result.Fail[result.Empty](http.StatusBadRequest, key)
	}

	applyProfile(u, req)
	if req.ConcurrencyStamp != "" {
		u.ConcurrencyStamp = req.ConcurrencyStamp
	}

	err = uow.Within(ctx, st.UoW, func(ctx context.Context) error {
		if err := s.toggleTwoFactor(ctx, st, u, req); err != nil {
			return err
		}
		if err := st.Users.Update(ctx, u); err != nil {
			return err
		}
		st.Profiles.UpdateContact(ctx, u.ID, u.FullName(), u.Email, u.PhoneNumber)
		_, err := st.UoW.SaveChanges(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConcurrencyFailure) {
			return result.Fail[result.Empty](http.StatusConflict, result.ErrConcurrencyFailure)
		}
		return unexpected[result.Empty](s.logger, "update profile", err)
	}
	return result.Ok(result.Empty{})
}

func applyProfile(u *entity.User, req UpdateProfileRequest) {
	u.UserName = strings.TrimSpace(req.UserName)
	u.FirstName = req.FirstName
	u.MiddleName = req.MiddleName
	u.LastName = req.LastName
	u.PhoneNumber = req.PhoneNumber
	u.Active = req.Active

	email := strings.TrimSpace(req.Email)
	if u.Email == email {
		return
	}
	if u.EmailConfirmed {
		previous := u.Email
		u.OldConfirmedEmail = &previous
	}
	// switching back to the last confirmed address needs no new confirmation
	u.EmailConfirmed = u.OldConfirmedEmail != nil && *u.OldConfirmedEmail == email
	u.Email = email
	// outstanding confirmation links were issued for the previous address
	u.SecurityStamp = utilities.NewStamp()
}

// toggleTwoFactor applies the requested second-factor state. Authenticator
// sign-in is only switched on through VerifyAuthenticator.
func (s *AccountService) toggleTwoFactor(ctx context.Context, st *Stores, u *entity.User, req UpdateProfileRequest) error {
	if !req.TwoFactorEnabled {
		u.TwoFactorType = entity.TwoFactorNone
		if !u.TwoFactorEnabled {
			return nil
		}
		return st.Users.SetTwoFactorEnabled(ctx, u, false)
	}
	switch req.TwoFactorType {
	case entity.TwoFactorEmail:
		if u.TwoFactorEnabled && u.TwoFactorType == entity.TwoFactorEmail {
			return nil
		}
		u.TwoFactorType = entity.TwoFactorEmail
		return st.Users.SetTwoFactorEnabled(ctx, u, true)
	case entity.TwoFactorAuthenticator, entity.TwoFactorNone:
		return nil
	default:
		return fmt.Errorf("unknown two-factor type %q", req.TwoFactorType)
	}
}

// ConfirmEmail marks the address confirmed. Confirming twice succeeds.
func (s *AccountService) ConfirmEmail(ctx context.Context, userID int64, token string) result.Result[result.Empty] {
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, userID)
	if fail != nil {
		return *fail
	}
	ok, err := st.Users.VerifyToken(ctx, u, security.PurposeEmailConfirmation, token)
	if err != nil {
		return unexpected[result.Empty](s.logger, "verify email token", err)
	}
	if !ok {
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrInvalidEmailConfirmToken)
	}
	if u.EmailConfirmed {
		return result.Ok(result.Empty{})
	}
	if err := st.Users.ConfirmEmail(ctx, u, token); err != nil {
		if errors.Is(err, ErrConcurrencyFailure) {
			return result.Fail[result.Empty](http.StatusConflict, result.ErrConcurrencyFailure)
		}
		return unexpected[result.Empty](s.logger, "confirm email", err)
	}
	return result.Ok(result.Empty{})
}

// SendConfirmationEmail issues a fresh confirmation link.
func (s *AccountService) SendConfirmationEmail(ctx context.Context, userID int64) result.Result[result.Empty] {
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, userID)
	if fail != nil {
		return *fail
	}
	if u.Email == "" {
		return result.FailCause[result.Empty](http.StatusBadRequest, result.ErrValidation, "user has no email")
	}
	if err := s.sendConfirmation(ctx, st, u); err != nil {
		return unexpected[result.Empty](s.logger, "send confirmation email", err)
	}
	return result.Ok(result.Empty{})
}

// RecoverPassword emails a reset link to the account matching nameOrEmail.
func (s *AccountService) RecoverPassword(ctx context.Context, nameOrEmail string) result.Result[result.Empty] {
	st := s.stores()
	u, err := st.Users.FindByNameOrEmail(ctx, strings.TrimSpace(nameOrEmail))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return result.Fail[result.Empty](http.StatusNotFound, result.ErrUserNotFound)
		}
		return unexpected[result.Empty](s.logger, "load user", err)
	}
	token, err := st.Users.GeneratePasswordResetToken(ctx, u)
	if err != nil {
		return unexpected[result.Empty](s.logger, "generate reset token", err)
	}
	msg := notify.Message{
		To:      u.Email,
		Subject: "Reset your password",
		Body:    fmt.Sprintf(`Reset your password by <a href="%s">clicking here</a>.`, s.link("/reset-password", u.ID, token)),
		IsHTML:  true,
	}
	if err := s.dispatcher.SendEmail(ctx, msg); err != nil {
		return unexpected[result.Empty](s.logger, "send reset email", err)
	}
	return result.Ok(result.Empty{})
}

// ResetPassword sets a new password from a reset link. An unconfirmed email
// is confirmed in the same transaction, since the link proved ownership.
func (s *AccountService) ResetPassword(ctx context.Context, req ResetPasswordRequest) result.Result[result.Empty] {
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, req.UserID)
	if fail != nil {
		return *fail
	}
	ok, err := st.Users.VerifyToken(ctx, u, security.PurposeResetPassword, req.Token)
	if err != nil {
		return unexpected[result.Empty](s.logger, "verify reset token", err)
	}
	if !ok {
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrInvalidResetPasswordToken)
	}

	err = uow.Within(ctx, st.UoW, func(ctx context.Context) error {
		if err := st.Users.ResetPassword(ctx, u, req.Token, req.NewPassword); err != nil {
			return err
		}
		confirmed, err := st.Users.IsEmailConfirmed(ctx, u)
		if err != nil || confirmed {
			return err
		}
		confirmToken, err := st.Users.GenerateEmailConfirmationToken(ctx, u)
		if err != nil {
			return err
		}
		return st.Users.ConfirmEmail(ctx, u, confirmToken)
	})
	if err != nil {
		if errors.Is(err, ErrPasswordTooShort) {
			return result.Fail[result.Empty](http.StatusBadRequest, result.ErrInvalidPassword)
		}
		s.logger.Errorw("reset password failed", "user_id", u.ID, "err", err)
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrCannotResetPassword)
	}
	s.revokeSessions(ctx, u.ID)
	return result.Ok(result.Empty{})
}

// DeactivateAccount turns off the caller's own account.
func (s *AccountService) DeactivateAccount(ctx context.Context) result.Result[result.Empty] {
	p, ok := utilities.PrincipalFromContext(ctx)
	if !ok {
		return result.Fail[result.Empty](http.StatusUnauthorized, result.ErrUnauthorized)
	}
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, p.ID)
	if fail != nil {
		return *fail
	}
	u.Active = false
	if err := st.Users.Update(ctx, u); err != nil {
		if errors.Is(err, ErrConcurrencyFailure) {
			return result.Fail[result.Empty](http.StatusConflict, result.ErrConcurrencyFailure)
		}
		return unexpected[result.Empty](s.logger, "deactivate account", err)
	}
	s.revokeSessions(ctx, u.ID)
	return result.Ok(result.Empty{})
}

// DeleteUser hard-deletes an account together with its assignments and profile.
func (s *AccountService) DeleteUser(ctx context.Context, userID int64) result.Result[result.Empty] {
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, userID)
	if fail != nil {
		return *fail
	}
	err := uow.Within(ctx, st.UoW, func(ctx context.Context) error {
		st.Roles.RemoveUserRoles(ctx, u.ID)
		st.Roles.RemoveUserClaims(ctx, u.ID)
		st.Profiles.DeleteByUserID(ctx, u.ID)
		if _, err := st.UoW.SaveChanges(ctx); err != nil {
			return err
		}
		return st.Users.Delete(ctx, u)
	})
	if err != nil {
		s.logger.Errorw("delete user failed", "user_id", u.ID, "err", err)
		return result.Fail[result.Empty](http.StatusBadRequest, result.ErrUserNotDeleted)
	}
	s.logger.Infow("user deleted", "user_id", u.ID, "by", utilities.Actor(ctx))
	s.revokeSessions(ctx, u.ID)
	return result.Ok(result.Empty{})
}

// AssignRoles adds the named roles to the account. Roles already held are skipped.
func (s *AccountService) AssignRoles(ctx context.Context, userID int64, roleNames []string) result.Result[result.Empty] {
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, userID)
	if fail != nil {
		return *fail
	}
	held, err := st.Roles.GetUserRoles(ctx, u.ID)
	if err != nil {
		return unexpected[result.Empty](s.logger, "load user roles", err)
	}
	have := make(map[int64]bool, len(held))
	for _, r := range held {
		have[r.ID] = true
	}

	var ids []int64
	for _, name := range roleNames {
		role, err := st.Roles.GetRole(ctx, name)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				return result.FailCause[result.Empty](http.StatusBadRequest, result.ErrRoleDoesNotExist, name)
			}
			return unexpected[result.Empty](s.logger, "load role", err)
		}
		if !have[role.ID] {
			have[role.ID] = true
			ids = append(ids, role.ID)
		}
	}
	if len(ids) == 0 {
		return result.Ok(result.Empty{})
	}

	err = uow.Within(ctx, st.UoW, func(ctx context.Context) error {
		st.Roles.AssignRoles(ctx, u.ID, ids...)
		_, err := st.UoW.SaveChanges(ctx)
		return err
	})
	if err != nil {
		return unexpected[result.Empty](s.logger, "assign roles", err)
	}
	return result.Ok(result.Empty{})
}

// AssignClaims attaches claims to the account.
func (s *AccountService) AssignClaims(ctx context.Context, userID int64, claims []entity.Claim) result.Result[result.Empty] {
	for _, c := range claims {
		if strings.TrimSpace(c.Type) == "" {
			return result.FailCause[result.Empty](http.StatusBadRequest, result.ErrValidation, "claim type is required")
		}
	}
	st := s.stores()
	u, fail := findUser[result.Empty](ctx, s, st, userID)
	if fail != nil {
		return *fail
	}
	err := uow.Within(ctx, st.UoW, func(ctx context.Context) error {
		st.Roles.AssignClaims(ctx, u.ID, claims...)
		_, err := st.UoW.SaveChanges(ctx)
		return err
	})
	if err != nil {
		return unexpected[result.Empty](s.logger, "assign claims", err)
	}
	return result.Ok(result.Empty{})
}

// CurrentUser returns the caller's account.
func (s *AccountService) CurrentUser(ctx context.Context) result.Result[UserDTO] {
	p, ok := utilities.PrincipalFromContext(ctx)
	if !ok {
		return result.Fail[UserDTO](http.StatusUnauthorized, result.ErrUnauthorized)
	}
	st := s.stores()
	u, fail := findUser[UserDTO](ctx, s, st, p.ID)
	if fail != nil {
		return *fail
	}
	roles, err := st.Roles.GetUserRoles(ctx, u.ID)
	if err != nil {
		return unexpected[UserDTO](s.logger, "load user roles", err)
	}
	return result.Ok(toUserDTO(u, roles))
}

// UserRole returns the caller's primary role, the one with the lowest id.
func (s *AccountService) UserRole(ctx context.Context) result.Result[RoleDTO] {
	p, ok := utilities.PrincipalFromContext(ctx)
	if !ok {
		return result.Fail[RoleDTO](http.StatusUnauthorized, result.ErrUnauthorized)
	}
	st := s.stores()
	role, err := st.Roles.GetUserRole(ctx, p.ID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return result.Fail[RoleDTO](http.StatusNotFound, result.ErrRoleDoesNotExist)
		}
		return unexpected[RoleDTO](s.logger, "load user role", err)
	}
	return result.Ok(toRoleDTO(*role))
}

// IsInRole reports whether the caller holds role. Anonymous or unknown callers hold none.
func (s *AccountService) IsInRole(ctx context.Context, role string) bool {
	p, ok := utilities.PrincipalFromContext(ctx)
	if !ok {
		return false
	}
	st := s.stores()
	u, err := st.Users.FindByID(ctx, p.ID)
	if err != nil {
		return false
	}
	in, err := st.Users.IsInRole(ctx, u, role)
	if err != nil {
		s.logger.Warnw("role check failed", "user_id", u.ID, "role", role, "err", err)
		return false
	}
	return in
}

const maxPageSize = 100

// ListUsers returns one page of accounts in id order. limit is clamped to
// [1, 100]; a negative offset starts at the beginning.
func (s *AccountService) ListUsers(ctx context.Context, limit, offset int) result.Result[[]UserDTO] {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	st := s.stores()
	users, err := st.Users.List(ctx, limit, offset)
	if err != nil {
		return unexpected[[]UserDTO](s.logger, "list users", err)
	}
	out := make([]UserDTO, 0, len(users))
	for i := range users {
		roles, err := st.Roles.GetUserRoles(ctx, users[i].ID)
		if err != nil {
			return unexpected[[]UserDTO](s.logger, "load user roles", err)
		}
		out = append(out, toUserDTO(&users[i], roles))
	}
	return result.Ok(out)
}

// Roles lists every role with its claims.
func (s *AccountService) Roles(ctx context.Context) result.Result[[]RoleDTO] {
	roles, err := s.stores().Roles.GetRoles(ctx)
	if err != nil {
		return unexpected[[]RoleDTO](s.logger, "list roles", err)
	}
	out := make([]RoleDTO, 0, len(roles))
	for _, r := range roles {
		out = append(out, toRoleDTO(r))
	}
	return result.Ok(out)
}

// AuthenticatePassword checks a user name or email and password pair and
// completes the sign-in. Only callers that owe no second factor may use it;
// the coordinator goes through CheckCredentials instead.
func (s *AccountService) AuthenticatePassword(ctx context.Context, identifier, password string) (*entity.User, error) {
	u, err := s.CheckCredentials(ctx, identifier, password)
	if err != nil {
		return u, err
	}
	if err := s.SignInSucceeded(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// CheckCredentials verifies the pair and counts a wrong password toward
// lockout. It leaves the failure counter alone on success: the sign-in is
// only complete once SignInSucceeded runs. Callers map the returned sentinel.
func (s *AccountService) CheckCredentials(ctx context.Context, identifier, password string) (*entity.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrUnknownUser
	}
	st := s.stores()
	u, err := st.Users.FindByNameOrEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	if u.LockedOut(s.now()) {
		return u, ErrLocked
	}
	ok, err := st.Users.CheckPassword(ctx, u, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := st.Users.AccessFailed(ctx, u); err != nil {
			s.logger.Warnw("record failed sign-in", "user_id", u.ID, "err", err)
		}
		return u, ErrBadCredentials
	}
	if !u.Active {
		return u, ErrDisabled
	}
	if !u.EmailConfirmed {
		return u, ErrEmailNotConfirmed
	}
	return u, nil
}

// SignInSucceeded clears the failure counters and stamps the sign-in time.
func (s *AccountService) SignInSucceeded(ctx context.Context, u *entity.User) error {
	return s.stores().Users.LoginSucceeded(ctx, u)
}

// SecondFactorFailed counts a wrong second-factor code like a wrong password.
// It returns ErrLocked when this failure locked the account.
func (s *AccountService) SecondFactorFailed(ctx context.Context, u *entity.User) error {
	if err := s.stores().Users.AccessFailed(ctx, u); err != nil {
		return fmt.Errorf("record failed second factor: %w", err)
	}
	if u.LockedOut(s.now()) {
		s.logger.Warnw("user locked after failed second factor", "user_id", u.ID)
		return ErrLocked
	}
	return nil
}

// RequiresTwoFactor reports whether u owes a second factor before sign-in completes.
func (s *AccountService) RequiresTwoFactor(ctx context.Context, u *entity.User) (bool, error) {
	return s.stores().Users.RequiresTwoFactor(ctx, u)
}

// Principal resolves the claims carried in issued tokens.
func (s *AccountService) Principal(ctx context.Context, userID int64) (*entity.User, []entity.Role, error) {
	st := s.stores()
	u, err := st.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	roles, err := st.Roles.GetUserRoles(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return u, roles, nil
}

func (s *AccountService) sendConfirmation(ctx context.Context, st *Stores, u *entity.User) error {
	token, err := st.Users.GenerateEmailConfirmationToken(ctx, u)
	if err != nil {
		return err
	}
	return s.dispatcher.SendEmail(ctx, notify.Message{
		To:      u.Email,
		Subject: "Confirm your email",
		Body:    fmt.Sprintf(`Please confirm your account by <a href="%s">clicking here</a>.`, s.link("/confirm-email", u.ID, token)),
		IsHTML:  true,
	})
}

func (s *AccountService) link(path string, userID int64, token string) string {
	q := url.Values{}
	q.Set("userId", strconv.FormatInt(userID, 10))
	q.Set("token", token)
	return strings.TrimRight(s.opts.WebURL, "/") + path + "?" + q.Encode()
}

func (s *AccountService) revokeSessions(ctx context.Context, userID int64) {
	if s.revoker == nil {
		return
	}
	if err := s.revoker.RevokeSubject(context.WithoutCancel(ctx), userID); err != nil {
		s.logger.Warnw("revoke sessions", "user_id", userID, "err", err)
	}
}
