package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc/repo"
	userentity "github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
)

// ScopeOfflineAccess asks for a refresh token alongside the access token.
const ScopeOfflineAccess = "offline_access"

var (
	// ErrInvalidGrant covers unknown, expired, reused or mismatched codes and refresh tokens.
	ErrInvalidGrant = errors.New("invalid grant")
	ErrInvalidToken = errors.New("invalid access token")
)

// GrantStore is the persistence the issuer needs; *repo.GrantRepo satisfies it.
type GrantStore interface {
	Store(ctx context.Context, g *entity.Grant) error
	Get(ctx context.Context, key string) (*entity.Grant, error)
	GetAll(ctx context.Context, f entity.GrantFilter) ([]entity.Grant, error)
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, f entity.GrantFilter) (int64, error)
}

type Options struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
}

// Subject is what the issuer needs to know about a principal to mint tokens.
type Subject struct {
	ID             int64
	UserName       string
	Email          string
	EmailConfirmed bool
	Roles          []string
}

// SubjectOf flattens a user and its roles.
func SubjectOf(u *userentity.User, roles []userentity.Role) Subject {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return Subject{ID: u.ID, UserName: u.UserName, Email: u.Email, EmailConfirmed: u.EmailConfirmed, Roles: names}
}

// Tokens is one issuance. RefreshToken is empty unless offline_access was granted.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
}

// AccessClaims is the payload of access tokens; id tokens share it minus scope.
type AccessClaims struct {
	Name          string   `json:"name,omitempty"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified"`
	Roles         []string `json:"role,omitempty"`
	Scope         string   `json:"scope,omitempty"`
	ClientID      string   `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// SubjectID parses the numeric subject.
func (c *AccessClaims) SubjectID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// RefreshSession is a live refresh grant.
type RefreshSession struct {
	SubjectID int64
	ClientID  string
	Scopes    []string
	ExpiresAt *time.Time
}

type refreshData struct {
	Scopes []string `json:"scopes"`
}

type codeData struct {
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`
}

// Service signs tokens and keeps the grants behind refresh tokens and
// authorization codes. The signing key lives for the process lifetime.
type Service struct {
	key    *rsa.PrivateKey
	kid    string
	opts   Options
	grants GrantStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewService(grants GrantStore, opts Options, logger *zap.SugaredLogger) (*Service, error) {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	h := sha256.Sum256(der)
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = 15 * time.Minute
	}
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if opts.AuthCodeTTL <= 0 {
		opts.AuthCodeTTL = 5 * time.Minute
	}
	return &Service{
		key:    k,
		kid:    base64.RawURLEncoding.EncodeToString(h[:8]),
		opts:   opts,
		grants: grants,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *Service) Issuer() string {
	return s.opts.Issuer
}

// JWKS returns the key set holding the signing key.
func (s *Service) JWKS() map[string]any {
	pub := s.key.PublicKey
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": s.kid,
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
	return map[string]any{"keys": []any{jwk}}
}

func (s *Service) sign(claims AccessClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.key)
}

// IssueTokens mints an id token and an access token for sub, plus a refresh
// token when scopes include offline_access.
func (s *Service) IssueTokens(ctx context.Context, sub Subject, clientID string, scopes []string) (*Tokens, error) {
	now := s.now()
	base := AccessClaims{
		Name:          sub.UserName,
		Email:         sub.Email,
		EmailVerified: sub.EmailConfirmed,
		Roles:         sub.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.opts.Issuer,
			Subject:   strconv.FormatInt(sub.ID, 10),
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.AccessTokenTTL)),
		},
	}
	idToken, err := s.sign(base)
	if err != nil {
		return nil, fmt.Errorf("sign id token: %w", err)
	}

	access := base
	access.Scope = strings.Join(scopes, " ")
	access.ClientID = clientID
	access.ID = randomHandle(16)
	accessToken, err := s.sign(access)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	out := &Tokens{
		IDToken:     idToken,
		AccessToken: accessToken,
		ExpiresIn:   int64(s.opts.AccessTokenTTL / time.Second),
		Scope:       access.Scope,
	}
	if !slices.Contains(scopes, ScopeOfflineAccess) {
		return out, nil
	}

	handle := randomHandle(32)
	data, _ := json.Marshal(refreshData{Scopes: scopes})
	exp := now.Add(s.opts.RefreshTokenTTL)
	err = s.grants.Store(ctx, &entity.Grant{
		Key:       grantKey(handle),
		Type:      entity.GrantTypeRefreshToken,
		SubjectID: strconv.FormatInt(sub.ID, 10),
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: &exp,
		Data:      string(data),
	})
	if err != nil {
		return nil, err
	}
	out.RefreshToken = handle
	return out, nil
}

// IssueAuthorizationCode persists a single-use code bound to the client and redirect URI.
func (s *Service) IssueAuthorizationCode(ctx context.Context, subjectID int64, clientID, redirectURI string, scopes []string) (string, error) {
	now := s.now()
	code := randomHandle(32)
	data, _ := json.Marshal(codeData{RedirectURI: redirectURI, Scopes: scopes})
	exp := now.Add(s.opts.AuthCodeTTL)
	err := s.grants.Store(ctx, &entity.Grant{
		Key:       grantKey(code),
		Type:      entity.GrantTypeAuthorizationCode,
		SubjectID: strconv.FormatInt(subjectID, 10),
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: &exp,
		Data:      string(data),
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// RedeemAuthorizationCode consumes code and returns the subject and scopes it
// was issued for. The grant is removed whether or not the checks pass.
func (s *Service) RedeemAuthorizationCode(ctx context.Context, code, clientID, redirectURI string) (int64, []string, error) {
	g, err := s.lookup(ctx, code, entity.GrantTypeAuthorizationCode)
	if err != nil {
		return 0, nil, err
	}
	if err := s.grants.Remove(ctx, g.Key); err != nil {
		return 0, nil, err
	}
	var data codeData
	if err := json.Unmarshal([]byte(g.Data), &data); err != nil {
		return 0, nil, fmt.Errorf("%w: corrupt code", ErrInvalidGrant)
	}
	if g.Expired(s.now()) || g.ClientID != clientID || data.RedirectURI != redirectURI {
		return 0, nil, ErrInvalidGrant
	}
	id, err := strconv.ParseInt(g.SubjectID, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad subject", ErrInvalidGrant)
	}
	return id, data.Scopes, nil
}

// ValidateRefreshToken returns the session behind handle when it is live and
// was issued to clientID. An empty clientID skips the client check.
func (s *Service) ValidateRefreshToken(ctx context.Context, handle, clientID string) (*RefreshSession, error) {
	g, err := s.lookup(ctx, handle, entity.GrantTypeRefreshToken)
	if err != nil {
		return nil, err
	}
	if g.Expired(s.now()) {
		if err := s.grants.Remove(ctx, g.Key); err != nil {
			s.logger.Warnw("remove expired refresh grant", "err", err)
		}
		return nil, ErrInvalidGrant
	}
	if clientID != "" && g.ClientID != clientID {
		return nil, ErrInvalidGrant
	}
	var data refreshData
	if err := json.Unmarshal([]byte(g.Data), &data); err != nil {
		return nil, fmt.Errorf("%w: corrupt refresh grant", ErrInvalidGrant)
	}
	id, err := strconv.ParseInt(g.SubjectID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidGrant)
	}
	return &RefreshSession{SubjectID: id, ClientID: g.ClientID, Scopes: data.Scopes, ExpiresAt: g.ExpiresAt}, nil
}

// RevokeRefreshToken drops the grant behind handle. Unknown handles are not an error.
func (s *Service) RevokeRefreshToken(ctx context.Context, handle string) error {
	return s.grants.Remove(ctx, grantKey(handle))
}

// RevokeSubject drops every refresh token and pending code of a user.
func (s *Service) RevokeSubject(ctx context.Context, userID int64) error {
	n, err := s.grants.RemoveAll(ctx, entity.GrantFilter{
		SubjectID: strconv.FormatInt(userID, 10),
		Types:     []entity.GrantType{entity.GrantTypeRefreshToken, entity.GrantTypeAuthorizationCode},
	})
	if err != nil {
		return fmt.Errorf("revoke grants of %d: %w", userID, err)
	}
	s.logger.Debugw("revoked grants", "user_id", userID, "count", n)
	return nil
}

// Grants lists persisted grants matching f.
func (s *Service) Grants(ctx context.Context, f entity.GrantFilter) ([]entity.Grant, error) {
	return s.grants.GetAll(ctx, f)
}

// ParseAccessToken verifies signature, issuer and expiry.
func (s *Service) ParseAccessToken(token string) (*AccessClaims, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &claims, nil
}

func (s *Service) lookup(ctx context.Context, handle string, typ entity.GrantType) (*entity.Grant, error) {
	if handle == "" {
		return nil, ErrInvalidGrant
	}
	g, err := s.grants.Get(ctx, grantKey(handle))
	if err != nil {
		if errors.Is(err, repo.ErrGrantNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	if g.Type != typ {
		return nil, ErrInvalidGrant
	}
	return g, nil
}

// grantKey is the stored form of a handle; handles themselves are never persisted.
func grantKey(handle string) string {
	h := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(h[:])
}

func randomHandle(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
