package security

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Purpose scopes a user token to one flow.
type Purpose string

const (
	PurposeResetPassword     Purpose = "ResetPassword"
	PurposeEmailConfirmation Purpose = "EmailConfirmation"
	PurposeSession           Purpose = "Session"
)

var ErrInvalidToken = errors.New("invalid token")

type purposeClaims struct {
	Purpose Purpose `json:"purpose"`
	Stamp   string  `json:"stamp"`
	jwt.RegisteredClaims
}

// TokenProtector issues HS256 tokens bound to a user's security stamp, so a
// credential change invalidates every outstanding token.
type TokenProtector struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

func NewTokenProtector(secret string, lifetime time.Duration) *TokenProtector {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &TokenProtector{secret: []byte(secret), lifetime: lifetime, now: time.Now}
}

func (p *TokenProtector) Protect(userID int64, stamp string, purpose Purpose) (string, error) {
	now := p.now()
	claims := purposeClaims{
		Purpose: purpose,
		Stamp:   stamp,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Validate checks signature, expiry, subject, purpose and stamp.
func (p *TokenProtector) Validate(token string, userID int64, stamp string, purpose Purpose) error {
	var claims purposeClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	if err != nil {
		return ErrInvalidToken
	}
	if claims.Subject != strconv.FormatInt(userID, 10) || claims.Purpose != purpose || claims.Stamp != stamp {
		return ErrInvalidToken
	}
	return nil
}
