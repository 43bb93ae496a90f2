package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher(t *testing.T) {
	h := BcryptHasher{Cost: bcrypt.MinCost}
	hash, err := h.Hash("Secr3t!")
	require.NoError(t, err)

	assert.True(t, h.Verify(hash, "Secr3t!"))
	assert.False(t, h.Verify(hash, "secr3t!"))
	assert.False(t, h.NeedsRehash(hash))
	assert.True(t, BcryptHasher{Cost: bcrypt.MinCost + 1}.NeedsRehash(hash))
	assert.False(t, h.NeedsRehash("not-a-hash"))
}

func TestTokenProtectorRoundTrip(t *testing.T) {
	p := NewTokenProtector("secret", time.Hour)
	tok, err := p.Protect(42, "stamp-1", PurposeResetPassword)
	require.NoError(t, err)

	assert.NoError(t, p.Validate(tok, 42, "stamp-1", PurposeResetPassword))
}

func TestTokenProtectorRejects(t *testing.T) {
	p := NewTokenProtector("secret", time.Hour)
	tok, err := p.Protect(42, "stamp-1", PurposeResetPassword)
	require.NoError(t, err)

	cases := map[string]func() error{
		"other user":    func() error { return p.Validate(tok, 43, "stamp-1", PurposeResetPassword) },
		"rotated stamp": func() error { return p.Validate(tok, 42, "stamp-2", PurposeResetPassword) },
		"other purpose": func() error { return p.Validate(tok, 42, "stamp-1", PurposeEmailConfirmation) },
		"other secret": func() error {
			return NewTokenProtector("other", time.Hour).Validate(tok, 42, "stamp-1", PurposeResetPassword)
		},
		"garbage": func() error { return p.Validate("nope", 42, "stamp-1", PurposeResetPassword) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, fn(), ErrInvalidToken)
		})
	}
}

func TestTokenProtectorExpiry(t *testing.T) {
	p := NewTokenProtector("secret", time.Minute)
	base := time.Now()
	p.now = func() time.Time { return base }
	tok, err := p.Protect(1, "s", PurposeEmailConfirmation)
	require.NoError(t, err)

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.ErrorIs(t, p.Validate(tok, 1, "s", PurposeEmailConfirmation), ErrInvalidToken)
}
