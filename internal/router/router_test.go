package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/result"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

// stubTokens accepts "member" and "admin" bearer tokens.
type stubTokens struct{}

func (stubTokens) ParseAccessToken(token string) (*oidc.AccessClaims, error) {
	switch token {
	case "member":
		return &oidc.AccessClaims{Name: "alice", Roles: []string{"Member"}, RegisteredClaims: jwt.RegisteredClaims{Subject: "7"}}, nil
	case "admin":
		return &oidc.AccessClaims{Name: "root", Roles: []string{"Admin"}, RegisteredClaims: jwt.RegisteredClaims{Subject: "1"}}, nil
	case "no-subject":
		return &oidc.AccessClaims{Name: "ghost"}, nil
	}
	return nil, errors.New("bad token")
}

func newRouter(ping func(context.Context) error) http.Handler {
	return RegisterRoutes(Deps{
		BasePath:  "/identity/",
		AdminRole: "Admin",
		Tokens:    stubTokens{},
		Ping:      ping,
		Logger:    zap.NewNop().Sugar(),
	})
}

func do(t *testing.T, h http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	rec := do(t, newRouter(nil), http.MethodGet, "/identity/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	down := newRouter(func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusServiceUnavailable, do(t, down, http.MethodGet, "/identity/health", "").Code)
}

func TestGuardedRoutes(t *testing.T) {
	h := newRouter(nil)
	cases := []struct {
		name   string
		method string
		path   string
		bearer string
		status int
	}{
		{"self without token", http.MethodGet, "/identity/users/me", "", http.StatusUnauthorized},
		{"self with bad token", http.MethodGet, "/identity/users/me", "forged", http.StatusUnauthorized},
		{"self without subject", http.MethodGet, "/identity/users/me", "no-subject", http.StatusUnauthorized},
		{"admin without token", http.MethodGet, "/identity/roles", "", http.StatusUnauthorized},
		{"admin as member", http.MethodGet, "/identity/roles", "member", http.StatusForbidden},
		{"grants as member", http.MethodDelete, "/identity/users/3/grants", "member", http.StatusForbidden},
		{"user list as member", http.MethodGet, "/identity/users", "member", http.StatusForbidden},
		{"user list without token", http.MethodGet, "/identity/users", "", http.StatusUnauthorized},
		{"admin update as member", http.MethodPut, "/identity/users/3", "member", http.StatusForbidden},
		{"other profile as member", http.MethodGet, "/identity/users/3/profile", "member", http.StatusForbidden},
		{"own profile without token", http.MethodGet, "/identity/users/me/profile", "", http.StatusUnauthorized},
		{"own profile edit without token", http.MethodPut, "/identity/users/me/profile", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.bearer)
			require.Equal(t, tc.status, rec.Code)
			var res result.Result[result.Empty]
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.False(t, res.Success)
			assert.True(t, res.HasError(result.ErrUnauthorized))
			if tc.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestBearerAttachesPrincipal(t *testing.T) {
	var got utilities.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = utilities.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	h := BearerMiddleware(stubTokens{}, zap.NewNop().Sugar())(RequireRole("Admin")(inner))

	rec := do(t, h, http.MethodGet, "/", "admin")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "root", got.Name)
	assert.True(t, got.HasRole("Admin"))
}

func TestRequireRoleWithoutPrincipal(t *testing.T) {
	h := RequireRole("Admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/", "").Code)
}

func TestLoggingMiddlewareDefaultsStatus(t *testing.T) {
	h := LoggingMiddleware(zap.NewNop().Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}
