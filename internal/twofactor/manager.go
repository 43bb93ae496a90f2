package twofactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
)

var ErrUnsupportedType = errors.New("unsupported two-factor type")

// Manager dispatches challenges and verifications on the principal's factor type.
type Manager struct {
	email *EmailCodes
	totp  *TOTP
}

func NewManager(email *EmailCodes, totp *TOTP) *Manager {
	return &Manager{email: email, totp: totp}
}

// TOTP exposes the authenticator implementation for enrollment.
func (m *Manager) TOTP() *TOTP { return m.totp }

// Challenge sends whatever the factor needs before a code can be entered.
// It reports whether a code was dispatched.
func (m *Manager) Challenge(ctx context.Context, u *entity.User) (bool, error) {
	switch u.TwoFactorType {
	case entity.TwoFactorNone:
		return false, nil
	case entity.TwoFactorEmail:
		if err := m.email.Issue(ctx, u); err != nil {
			return false, err
		}
		return true, nil
	case entity.TwoFactorAuthenticator:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedType, u.TwoFactorType)
	}
}

// Verify checks a submitted code against the principal's factor.
func (m *Manager) Verify(ctx context.Context, u *entity.User, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	switch u.TwoFactorType {
	case entity.TwoFactorNone:
		return false, nil
	case entity.TwoFactorEmail:
		return m.email.Verify(ctx, u, code)
	case entity.TwoFactorAuthenticator:
		if u.AuthenticatorKey == nil || *u.AuthenticatorKey == "" {
			return false, nil
		}
		return m.totp.VerifyCode(*u.AuthenticatorKey, code)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedType, u.TwoFactorType)
	}
}
