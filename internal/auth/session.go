package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/security"
)

const SessionCookieName = "identity.session"

// Session is the browser sign-in state of one request.
type Session interface {
	SignIn(ctx context.Context, u *entity.User) error
	SignOut()
}

type sessionKey struct{}

// WithSession attaches s to ctx for the coordinator to sign in or out through.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// UserLoader resolves a session's user.
type UserLoader interface {
	Principal(ctx context.Context, userID int64) (*entity.User, []entity.Role, error)
}

// SessionCookies issues and reads signed session cookies. A cookie is bound
// to the user's security stamp, so a credential change ends the session.
type SessionCookies struct {
	tokens *security.TokenProtector
	users  UserLoader
	ttl    time.Duration
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewSessionCookies(secret string, ttl time.Duration, users UserLoader, logger *zap.SugaredLogger) *SessionCookies {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &SessionCookies{
		tokens: security.NewTokenProtector(secret, ttl),
		users:  users,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Bind returns the Session that writes to w.
func (c *SessionCookies) Bind(w http.ResponseWriter, r *http.Request) Session {
	return &cookieSession{cookies: c, w: w, secure: r.TLS != nil}
}

// SessionSubject returns the signed-in user of r, if the cookie is still valid.
func (c *SessionCookies) SessionSubject(r *http.Request) (int64, bool) {
	ck, err := r.Cookie(SessionCookieName)
	if err != nil {
		return 0, false
	}
	rawID, token, ok := strings.Cut(ck.Value, ".")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	u, _, err := c.users.Principal(r.Context(), id)
	if err != nil {
		c.logger.Debugw("session user", "user_id", id, "err", err)
		return 0, false
	}
	if err := c.tokens.Validate(token, u.ID, u.SecurityStamp, security.PurposeSession); err != nil {
		return 0, false
	}
	if !u.Active || u.LockedOut(c.now()) {
		return 0, false
	}
	return u.ID, true
}

type cookieSession struct {
	cookies *SessionCookies
	w       http.ResponseWriter
	secure  bool
}

func (s *cookieSession) SignIn(ctx context.Context, u *entity.User) error {
	token, err := s.cookies.tokens.Protect(u.ID, u.SecurityStamp, security.PurposeSession)
	if err != nil {
		return err
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    strconv.FormatInt(u.ID, 10) + "." + token,
		Path:     "/",
		MaxAge:   int(s.cookies.ttl / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *cookieSession) SignOut() {
	http.SetCookie(s.w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	s.w.Header().Set("Clear-Site-Data", `"cookies"`)
}
