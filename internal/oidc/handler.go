package oidc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
)

const (
	PathDiscovery  = "/.well-known/openid-configuration"
	PathJWKS       = "/.well-known/jwks.json"
	PathAuthorize  = "/connect/authorize"
	PathToken      = "/connect/token"
	PathUserinfo   = "/connect/userinfo"
	PathRevoke     = "/connect/revocation"
	PathIntrospect = "/connect/introspect"
)

// Accounts is the account side the issuer authenticates against.
type Accounts interface {
	AuthenticatePassword(ctx context.Context, identifier, password string) (*userentity.User, error)
	Principal(ctx context.Context, userID int64) (*userentity.User, []userentity.Role, error)
}

// SessionReader resolves the signed-in user of a browser request.
type SessionReader interface {
	SessionSubject(r *http.Request) (int64, bool)
}

// Handler serves the issuer endpoints. It supports the password,
// authorization_code and refresh_token grants only.
type Handler struct {
	svc      *Service
	accounts Accounts
	clients  map[string]config.ClientConfig
	sessions SessionReader
	logger   *zap.SugaredLogger
}

func NewHandler(svc *Service, accounts Accounts, clients []config.ClientConfig, logger *zap.SugaredLogger) *Handler {
	byID := make(map[string]config.ClientConfig, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	return &Handler{svc: svc, accounts: accounts, clients: byID, logger: logger}
}

// UseSessions enables the authorize endpoint.
func (h *Handler) UseSessions(s SessionReader) {
	h.sessions = s
}

type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	iss := h.svc.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                iss,
		"authorization_endpoint":                iss + PathAuthorize,
		"token_endpoint":                        iss + PathToken,
		"userinfo_endpoint":                     iss + PathUserinfo,
		"jwks_uri":                              iss + PathJWKS,
		"revocation_endpoint":                   iss + PathRevoke,
		"introspection_endpoint":                iss + PathIntrospect,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"password", string(entity.GrantTypeAuthorizationCode), string(entity.GrantTypeRefreshToken)},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic"},
	})
}

func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.JWKS())
}

// authenticateClient checks form or basic credentials against the registered clients.
func (h *Handler) authenticateClient(r *http.Request) (config.ClientConfig, bool) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	c, found := h.clients[id]
	if !found || secret == "" {
		return config.ClientConfig{}, false
	}
	for _, s := range c.Secrets() {
		if subtle.ConstantTimeCompare([]byte(s), []byte(secret)) == 1 {
			return c, true
		}
	}
	return config.ClientConfig{}, false
}

// Token is the token endpoint.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request"})
		return
	}
	client, ok := h.authenticateClient(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_client"})
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "password":
		h.passwordGrant(w, r, client)
	case string(entity.GrantTypeAuthorizationCode):
		h.codeGrant(w, r, client)
	case string(entity.GrantTypeRefreshToken):
		h.refreshGrant(w, r, client)
	default:
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "unsupported_grant_type"})
	}
}

func (h *Handler) passwordGrant(w http.ResponseWriter, r *http.Request, client config.ClientConfig) {
	scopes, ok := grantedScopes(client, r.PostForm.Get("scope"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_scope"})
		return
	}
	u, err := h.accounts.AuthenticatePassword(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		switch {
		case errors.Is(err, user.ErrUnknownUser), errors.Is(err, user.ErrBadCredentials),
			errors.Is(err, user.ErrLocked), errors.Is(err, user.ErrDisabled), errors.Is(err, user.ErrEmailNotConfirmed):
			h.logger.Debugw("password grant rejected", "client_id", client.ID, "err", err)
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: err.Error()})
		default:
			h.serverError(w, "password grant", err)
		}
		return
	}
	h.issue(w, r, u.ID, client.ID, scopes)
}

func (h *Handler) codeGrant(w http.ResponseWriter, r *http.Request, client config.ClientConfig) {
	subjectID, scopes, err := h.svc.RedeemAuthorizationCode(r.Context(), r.PostForm.Get("code"), client.ID, r.PostForm.Get("redirect_uri"))
	if err != nil {
		h.grantError(w, "redeem code", err)
		return
	}
	h.issue(w, r, subjectID, client.ID, scopes)
}

// refreshGrant rotates the refresh token: the presented handle is revoked
// before a new pair is issued.
func (h *Handler) refreshGrant(w http.ResponseWriter, r *http.Request, client config.ClientConfig) {
	handle := r.PostForm.Get("refresh_token")
	sess, err := h.svc.ValidateRefreshToken(r.Context(), handle, client.ID)
	if err != nil {
		h.grantError(w, "validate refresh token", err)
		return
	}
	if err := h.svc.RevokeRefreshToken(r.Context(), handle); err != nil {
		h.serverError(w, "rotate refresh token", err)
		return
	}
	h.issue(w, r, sess.SubjectID, client.ID, sess.Scopes)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, subjectID int64, clientID string, scopes []string) {
	u, roles, err := h.accounts.Principal(r.Context(), subjectID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: "unknown subject"})
			return
		}
		h.serverError(w, "load principal", err)
		return
	}
	if !u.Active || u.LockedOut(h.svc.now()) {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: "subject is not allowed to sign in"})
		return
	}
	toks, err := h.svc.IssueTokens(r.Context(), SubjectOf(u, roles), clientID, scopes)
	if err != nil {
		h.serverError(w, "issue tokens", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  toks.AccessToken,
		IDToken:      toks.IDToken,
		RefreshToken: toks.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    toks.ExpiresIn,
		Scope:        toks.Scope,
	})
}

func (h *Handler) grantError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrInvalidGrant) {
		h.logger.Debugw(op, "err", err)
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant"})
		return
	}
	h.serverError(w, op, err)
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Errorw(op, "err", err)
	writeJSON(w, http.StatusInternalServerError, tokenError{Error: "server_error"})
}

// grantedScopes resolves the requested scope parameter against what the
// client is registered for. An empty request grants the registered set.
func grantedScopes(client config.ClientConfig, requested string) ([]string, bool) {
	req := strings.Fields(requested)
	if len(req) == 0 {
		return slices.Clone(client.Scopes), true
	}
	for _, s := range req {
		if !slices.Contains(client.Scopes, s) {
			return nil, false
		}
	}
	return req, true
}

// Authorize issues a code to the signed-in session. There is no login page:
// requests without a session get login_required.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client, ok := h.clients[q.Get("client_id")]
	if !ok || q.Get("redirect_uri") == "" || q.Get("redirect_uri") != client.RedirectURI {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "unknown client or redirect_uri"})
		return
	}
	if secret := q.Get("client_secret"); secret != "" && !slices.Contains(client.Secrets(), secret) {
		writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_client"})
		return
	}
	redirect, err := url.Parse(client.RedirectURI)
	if err != nil {
		h.serverError(w, "parse redirect uri", err)
		return
	}
	back := redirect.Query()
	if state := q.Get("state"); state != "" {
		back.Set("state", state)
	}
	fail := func(code string) {
		back.Set("error", code)
		redirect.RawQuery = back.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
	}
	if q.Get("response_type") != "code" {
		fail("unsupported_response_type")
		return
	}
	scopes, ok := grantedScopes(client, q.Get("scope"))
	if !ok {
		fail("invalid_scope")
		return
	}
	var subjectID int64
	if h.sessions != nil {
		subjectID, ok = h.sessions.SessionSubject(r)
	}
	if h.sessions == nil || !ok {
		fail("login_required")
		return
	}
	code, err := h.svc.IssueAuthorizationCode(r.Context(), subjectID, client.ID, client.RedirectURI, scopes)
	if err != nil {
		h.serverError(w, "issue code", err)
		return
	}
	back.Set("code", code)
	redirect.RawQuery = back.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// Userinfo returns the standard claims of a bearer access token.
func (h *Handler) Userinfo(w http.ResponseWriter, r *http.Request) {
	token, ok := BearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer`)
		writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_token"})
		return
	}
	claims, err := h.svc.ParseAccessToken(token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            claims.Subject,
		"name":           claims.Name,
		"email":          claims.Email,
		"email_verified": claims.EmailVerified,
		"role":           claims.Roles,
	})
}

// Revoke drops a refresh token. It answers 200 for unknown tokens too.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request"})
		return
	}
	client, ok := h.authenticateClient(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_client"})
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request"})
		return
	}
	// another client's token is left alone
	if _, err := h.svc.ValidateRefreshToken(r.Context(), token, client.ID); err == nil {
		if err := h.svc.RevokeRefreshToken(r.Context(), token); err != nil {
			h.logger.Warnw("revoke refresh token", "client_id", client.ID, "err", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect reports whether a refresh handle or access token is active.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request"})
		return
	}
	if _, ok := h.authenticateClient(r); !ok {
		writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_client"})
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request"})
		return
	}
	if sess, err := h.svc.ValidateRefreshToken(r.Context(), token, ""); err == nil {
		out := map[string]any{
			"active":     true,
			"client_id":  sess.ClientID,
			"sub":        strconv.FormatInt(sess.SubjectID, 10),
			"scope":      strings.Join(sess.Scopes, " "),
			"token_type": "refresh_token",
		}
		if sess.ExpiresAt != nil {
			out["exp"] = sess.ExpiresAt.Unix()
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if claims, err := h.svc.ParseAccessToken(token); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"active":     true,
			"client_id":  claims.ClientID,
			"sub":        claims.Subject,
			"scope":      claims.Scope,
			"aud":        claims.Audience,
			"iss":        claims.Issuer,
			"exp":        claims.ExpiresAt.Unix(),
			"iat":        claims.IssuedAt.Unix(),
			"token_type": "access_token",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

type grantView struct {
	Type      entity.GrantType `json:"type"`
	SubjectID string           `json:"subject_id"`
	ClientID  string           `json:"client_id"`
	CreatedAt int64            `json:"created_at"`
	ExpiresAt *int64           `json:"expires_at,omitempty"`
}

// Grants lists the persisted grants of a user, optionally narrowed by
// ?client_id= and ?type=. Keys are never exposed.
func (h *Handler) Grants(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid id"})
		return
	}
	f := entity.GrantFilter{SubjectID: strconv.FormatInt(id, 10)}
	if ids, ok := r.URL.Query()["client_id"]; ok {
		f.ClientIDs = ids
	}
	for _, t := range r.URL.Query()["type"] {
		switch gt := entity.GrantType(t); gt {
		case entity.GrantTypeRefreshToken, entity.GrantTypeAuthorizationCode:
			f.Types = append(f.Types, gt)
		default:
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "unknown grant type " + t})
			return
		}
	}
	grants, err := h.svc.Grants(r.Context(), f)
	if err != nil {
		h.serverError(w, "list grants", err)
		return
	}
	out := make([]grantView, 0, len(grants))
	for _, g := range grants {
		v := grantView{Type: g.Type, SubjectID: g.SubjectID, ClientID: g.ClientID, CreatedAt: g.CreatedAt.Unix()}
		if g.ExpiresAt != nil {
			exp := g.ExpiresAt.Unix()
			v.ExpiresAt = &exp
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// RevokeGrants drops every grant of a user.
func (h *Handler) RevokeGrants(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid id"})
		return
	}
	if err := h.svc.RevokeSubject(r.Context(), id); err != nil {
		h.serverError(w, "revoke grants", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BearerToken extracts the token of an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(auth[7:])
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
