package entity

import (
	"strings"
	"time"
)

// TwoFactorType is the closed set of second-factor strategies.
type TwoFactorType string

const (
	TwoFactorNone          TwoFactorType = "none"
	TwoFactorEmail         TwoFactorType = "email"
	TwoFactorAuthenticator TwoFactorType = "authenticator"
)

// Valid reports whether t is one of the known strategies.
func (t TwoFactorType) Valid() bool {
	switch t {
	case TwoFactorNone, TwoFactorEmail, TwoFactorAuthenticator:
		return true
	default:
		return false
	}
}

// User is a principal row in the `users` table.
type User struct {
	ID                int64
	UserName          string
	Email             string
	EmailConfirmed    bool
	OldConfirmedEmail *string
	PasswordHash      *string
	SecurityStamp     string
	ConcurrencyStamp  string
	PhoneNumber       string
	FirstName         string
	MiddleName        string
	LastName          string
	Active            bool
	TwoFactorEnabled  bool
	TwoFactorType     TwoFactorType
	AuthenticatorKey  *string
	LockoutEnabled    bool
	LockoutEnd        *time.Time
	AccessFailedCount int
	LastLoginAt       *time.Time
	CreatedAt         time.Time
	CreatedBy         string
	LastModifiedAt    *time.Time
	LastModifiedBy    *string
}

// HasPassword reports whether a password hash is set.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// LockedOut reports whether the lockout window is still running at now.
func (u *User) LockedOut(now time.Time) bool {
	return u.LockoutEnabled && u.LockoutEnd != nil && u.LockoutEnd.After(now)
}

// FullName joins the non-empty name parts.
func (u *User) FullName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{u.FirstName, u.MiddleName, u.LastName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Normalize is the case-folding applied to user names, emails and role names before lookup.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
