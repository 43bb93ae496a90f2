package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/result"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware logs every request with its outcome. Server errors are
// logged at warn, everything else at debug.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			kv := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"size", lrw.size,
			}
			if p, ok := utilities.PrincipalFromContext(r.Context()); ok {
				kv = append(kv, "user_id", p.ID)
			}
			if status >= http.StatusInternalServerError {
				logger.Warnw("http request", kv...)
				return
			}
			logger.Debugw("http request", kv...)
		})
	}
}

// SecurityHeadersMiddleware sets the response headers every endpoint shares.
// Token and account responses are never cached.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if h.Get("Content-Security-Policy") == "" {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none';")
			}
			if h.Get("Cache-Control") == "" {
				h.Set("Cache-Control", "no-store")
			}
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenParser verifies bearer access tokens; *oidc.Service satisfies it.
type TokenParser interface {
	ParseAccessToken(token string) (*oidc.AccessClaims, error)
}

// BearerMiddleware attaches the token's principal to the request context and
// rejects requests without a valid access token.
func BearerMiddleware(tokens TokenParser, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := oidc.BearerToken(r)
			if !ok {
				unauthorized(w, `Bearer`)
				return
			}
			claims, err := tokens.ParseAccessToken(raw)
			if err != nil {
				logger.Debugw("bearer rejected", "path", r.URL.Path, "err", err)
				unauthorized(w, `Bearer error="invalid_token"`)
				return
			}
			id, err := claims.SubjectID()
			if err != nil {
				unauthorized(w, `Bearer error="invalid_token"`)
				return
			}
			ctx := utilities.WithPrincipal(r.Context(), utilities.Principal{ID: id, Name: claims.Name, Roles: claims.Roles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole lets through principals holding role. It must run after BearerMiddleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := utilities.PrincipalFromContext(r.Context())
			if !ok {
				unauthorized(w, `Bearer`)
				return
			}
			if !p.HasRole(role) {
				writeFailure(w, http.StatusForbidden, result.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, challenge string) {
	w.Header().Set("WWW-Authenticate", challenge)
	writeFailure(w, http.StatusUnauthorized, result.ErrUnauthorized)
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result.Fail[result.Empty](status, msg))
}

// Deps is everything the router mounts.
type Deps struct {
	BasePath  string
	AdminRole string
	Accounts  *user.Handler
	Auth      *auth.Handler
	Issuer    *oidc.Handler
	Tokens    TokenParser
	// Ping checks the backing stores for the health endpoint.
	Ping   func(ctx context.Context) error
	Logger *zap.SugaredLogger
}

// RegisterRoutes mounts the issuer at the root and the account API under BasePath.
func RegisterRoutes(d Deps) http.Handler {
	mux := http.NewServeMux()
	bp := strings.TrimRight(d.BasePath, "/")

	mux.HandleFunc("GET "+bp+"/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ping(ctx); err != nil {
				d.Logger.Warnw("health check failed", "err", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// issuer
	mux.HandleFunc("GET "+oidc.PathDiscovery, d.Issuer.Discovery)
	mux.HandleFunc("GET "+oidc.PathJWKS, d.Issuer.JWKS)
	mux.HandleFunc("GET "+oidc.PathAuthorize, d.Issuer.Authorize)
	mux.HandleFunc("POST "+oidc.PathToken, d.Issuer.Token)
	mux.HandleFunc("GET "+oidc.PathUserinfo, d.Issuer.Userinfo)
	mux.HandleFunc("POST "+oidc.PathRevoke, d.Issuer.Revoke)
	mux.HandleFunc("POST "+oidc.PathIntrospect, d.Issuer.Introspect)

	// sign-in
	mux.HandleFunc("POST "+bp+"/login", d.Auth.Login)
	mux.HandleFunc("GET "+bp+"/login/callback", d.Auth.LoginCallback)
	mux.HandleFunc("POST "+bp+"/logout", d.Auth.Logout)
	mux.HandleFunc("POST "+bp+"/token", d.Auth.AccessToken)
	mux.HandleFunc("POST "+bp+"/token/refresh", d.Auth.Refresh)

	// anonymous account flows
	mux.HandleFunc("POST "+bp+"/users", d.Accounts.CreateUser)
	mux.HandleFunc("POST "+bp+"/users/confirm-email", d.Accounts.ConfirmEmail)
	mux.HandleFunc("POST "+bp+"/users/recover-password", d.Accounts.RecoverPassword)
	mux.HandleFunc("POST "+bp+"/users/reset-password", d.Accounts.ResetPassword)

	authed := BearerMiddleware(d.Tokens, d.Logger)
	self := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}
	self("GET "+bp+"/users/me", d.Accounts.CurrentUser)
	self("PUT "+bp+"/users/me", d.Accounts.UpdateProfile)
	self("DELETE "+bp+"/users/me", d.Accounts.DeactivateAccount)
	self("POST "+bp+"/users/me/password", d.Accounts.ChangeOwnPassword)
	self("POST "+bp+"/users/me/authenticator", d.Accounts.EnableAuthenticator)
	self("POST "+bp+"/users/me/authenticator/verify", d.Accounts.VerifyAuthenticator)
	self("POST "+bp+"/users/me/confirmation-email", d.Accounts.SendConfirmationEmail)
	self("GET "+bp+"/users/me/role", d.Accounts.UserRole)
	self("GET "+bp+"/users/me/roles/{role}", d.Accounts.IsInRole)
	self("GET "+bp+"/users/me/profile", d.Accounts.CurrentProfile)
	self("PUT "+bp+"/users/me/profile", d.Accounts.UpdateOwnProfile)

	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(RequireRole(d.AdminRole)(h)))
	}
	admin("GET "+bp+"/roles", d.Accounts.Roles)
	admin("GET "+bp+"/users", d.Accounts.ListUsers)
	admin("PUT "+bp+"/users/{id}", d.Accounts.UpdateUser)
	admin("DELETE "+bp+"/users/{id}", d.Accounts.DeleteUser)
	admin("GET "+bp+"/users/{id}/profile", d.Accounts.UserProfile)
	admin("PUT "+bp+"/users/{id}/password", d.Accounts.SetPassword)
	admin("POST "+bp+"/users/{id}/roles", d.Accounts.AssignRoles)
	admin("POST "+bp+"/users/{id}/claims", d.Accounts.AssignClaims)
	admin("GET "+bp+"/users/{id}/grants", d.Issuer.Grants)
	admin("DELETE "+bp+"/users/{id}/grants", d.Issuer.RevokeGrants)

	return LoggingMiddleware(d.Logger)(SecurityHeadersMiddleware()(mux))
}
