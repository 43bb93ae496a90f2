package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

var ErrTokenEndpoint = errors.New("token endpoint request failed")

// GrantKind is the closed set of exchanges the client performs.
type GrantKind int

const (
	GrantPassword GrantKind = iota
	GrantAuthorizationCode
	GrantRefreshToken
)

func (k GrantKind) String() string {
	switch k {
	case GrantPassword:
		return "password"
	case GrantAuthorizationCode:
		return "authorization_code"
	case GrantRefreshToken:
		return "refresh_token"
	default:
		return fmt.Sprintf("grant(%d)", int(k))
	}
}

// TokenResponse is the decoded endpoint answer. Error is set when the
// endpoint rejected the request; transport faults are returned as errors.
type TokenResponse struct {
	AccessToken      string `json:"access_token,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	ExpiresIn        int64  `json:"expires_in,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// IsError reports whether the endpoint rejected the request.
func (r *TokenResponse) IsError() bool {
	return r.Error != ""
}

// ClientCredentials identifies one registered client at the endpoint.
type ClientCredentials struct {
	ID          string
	Secret      string
	RedirectURI string
	Scopes      []string
}

// TokenClient performs form-encoded grant exchanges against a token endpoint.
// It holds no per-call state.
type TokenClient struct {
	endpoint string
	http     *http.Client
	now      func() time.Time
}

func NewTokenClient(endpoint string, httpClient *http.Client) *TokenClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenClient{endpoint: endpoint, http: httpClient, now: time.Now}
}

func (c *TokenClient) config(creds ClientCredentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ID,
		ClientSecret: creds.Secret,
		RedirectURL:  creds.RedirectURI,
		Scopes:       creds.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.endpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// PasswordGrant exchanges a username and password for tokens.
func (c *TokenClient) PasswordGrant(ctx context.Context, creds ClientCredentials, username, password string) (*TokenResponse, error) {
	return c.exchange(ctx, GrantPassword, creds, func(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
		return cfg.PasswordCredentialsToken(ctx, username, password)
	})
}

// AuthorizationCodeGrant redeems a code issued to creds.RedirectURI.
func (c *TokenClient) AuthorizationCodeGrant(ctx context.Context, creds ClientCredentials, code string) (*TokenResponse, error) {
	return c.exchange(ctx, GrantAuthorizationCode, creds, func(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
		return cfg.Exchange(ctx, code)
	})
}

// RefreshGrant trades a refresh token for a new token pair.
func (c *TokenClient) RefreshGrant(ctx context.Context, creds ClientCredentials, refreshToken string) (*TokenResponse, error) {
	return c.exchange(ctx, GrantRefreshToken, creds, func(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
}

func (c *TokenClient) exchange(ctx context.Context, kind GrantKind, creds ClientCredentials, do func(context.Context, *oauth2.Config) (*oauth2.Token, error)) (*TokenResponse, error) {
	switch kind {
	case GrantPassword, GrantAuthorizationCode, GrantRefreshToken:
	default:
		return nil, fmt.Errorf("%w: unsupported grant %s", ErrTokenEndpoint, kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	tok, err := do(ctx, c.config(creds))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return &TokenResponse{Error: re.ErrorCode, ErrorDescription: re.ErrorDescription}, nil
		}
		return nil, fmt.Errorf("%w: %s grant: %v", ErrTokenEndpoint, kind, err)
	}

	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = id
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(tok.Expiry.Sub(c.now()).Round(time.Second).Seconds())
	}
	// on refresh, oauth2 carries the old refresh token forward when the
	// endpoint does not rotate it
	return resp, nil
}
