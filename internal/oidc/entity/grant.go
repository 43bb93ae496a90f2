package entity

import "time"

// GrantType is the closed set of artifacts the issuer persists.
type GrantType string

const (
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeAuthorizationCode GrantType = "authorization_code"
)

// Grant is an opaque persisted artifact. Key is globally unique; for tokens
// it is the SHA-256 of the handle, never the handle itself.
type Grant struct {
	Key       string
	Type      GrantType
	SubjectID string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt *time.Time
	Data      string
}

// Expired reports whether the grant has an expiry at or before now.
func (g *Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// GrantFilter narrows GetAll and RemoveAll. Empty strings and nil slices leave
// a field unconstrained; a non-nil empty slice matches nothing.
type GrantFilter struct {
	SubjectID string
	ClientID  string
	ClientIDs []string
	Type      GrantType
	Types     []GrantType
}
