package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/result"
)

// LoginParameters carries one sign-in attempt. It is never persisted.
type LoginParameters struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Verify2FA bool   `json:"verify2fa"`
	Code      string `json:"code"`
}

// LoginResponse is the value of every coordinator result. Only the fields of
// the reached state are set.
type LoginResponse struct {
	AuthURL              string `json:"authUrl,omitempty"`
	IDToken              string `json:"idToken,omitempty"`
	Token                string `json:"token,omitempty"`
	RefreshToken         string `json:"refreshToken,omitempty"`
	TwoFactorAuthEnabled bool   `json:"twoFactorAuthEnabled"`
}

// TokenPair is the outcome of a refresh exchange.
type TokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// Accounts is the credential side of sign-in. CheckCredentials does not
// complete the sign-in; SignInSucceeded does once every factor passed.
type Accounts interface {
	CheckCredentials(ctx context.Context, identifier, password string) (*entity.User, error)
	RequiresTwoFactor(ctx context.Context, u *entity.User) (bool, error)
	SignInSucceeded(ctx context.Context, u *entity.User) error
	SecondFactorFailed(ctx context.Context, u *entity.User) error
}

// SecondFactor issues and checks second-factor codes.
type SecondFactor interface {
	Challenge(ctx context.Context, u *entity.User) (bool, error)
	Verify(ctx context.Context, u *entity.User, code string) (bool, error)
}

// TokenEndpoint performs the grant exchanges; *oidc.TokenClient satisfies it.
type TokenEndpoint interface {
	PasswordGrant(ctx context.Context, creds oidc.ClientCredentials, username, password string) (*oidc.TokenResponse, error)
	AuthorizationCodeGrant(ctx context.Context, creds oidc.ClientCredentials, code string) (*oidc.TokenResponse, error)
	RefreshGrant(ctx context.Context, creds oidc.ClientCredentials, refreshToken string) (*oidc.TokenResponse, error)
}

type CoordinatorOptions struct {
	// AuthorizeEndpoint is where interactive logins are redirected.
	AuthorizeEndpoint string
	// Web is the interactive client; API is the trusted client of direct token retrieval.
	Web config.ClientConfig
	API config.ClientConfig
}

// Coordinator decides per call whether the caller is authenticated, owes a
// second factor, or continues in the authorization-code flow. It keeps no
// state between calls.
type Coordinator struct {
	accounts Accounts
	factors  SecondFactor
	tokens   TokenEndpoint
	states   StateStore
	opts     CoordinatorOptions
	logger   *zap.SugaredLogger
}

func NewCoordinator(accounts Accounts, factors SecondFactor, tokens TokenEndpoint, opts CoordinatorOptions, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{accounts: accounts, factors: factors, tokens: tokens, opts: opts, logger: logger}
}

// UseStateStore turns on store-and-compare of the authorize state.
func (c *Coordinator) UseStateStore(s StateStore) {
	c.states = s
}

// checkCredentials covers lookup and password. A nil result means the user passed.
func (c *Coordinator) checkCredentials(ctx context.Context, p LoginParameters) (*entity.User, *result.Result[LoginResponse]) {
	fail := func(status int, msg string) *result.Result[LoginResponse] {
		r := result.Fail[LoginResponse](status, msg)
		return &r
	}
	u, err := c.accounts.CheckCredentials(ctx, p.Username, p.Password)
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, user.ErrUnknownUser):
		return nil, fail(http.StatusBadRequest, result.ErrInvalidUsernameOrPassword)
	case errors.Is(err, user.ErrBadCredentials):
		return nil, fail(http.StatusUnauthorized, result.ErrInvalidUsernameOrPassword)
	case errors.Is(err, user.ErrLocked):
		return nil, fail(http.StatusForbidden, result.ErrUserLocked)
	case errors.Is(err, user.ErrDisabled):
		return nil, fail(http.StatusForbidden, result.ErrUserNotActive)
	case errors.Is(err, user.ErrEmailNotConfirmed):
		return nil, fail(http.StatusBadRequest, result.ErrUserEmailNotConfirmed)
	default:
		c.logger.Errorw("authenticate", "err", err)
		return nil, fail(http.StatusInternalServerError, result.ErrErrorOccured)
	}
}

// Login is the interactive sign-in. On full authentication it signs the
// caller in and returns the authorize URL to continue with.
func (c *Coordinator) Login(ctx context.Context, p LoginParameters) result.Result[LoginResponse] {
	u, failed := c.checkCredentials(ctx, p)
	if failed != nil {
		return *failed
	}

	if p.Verify2FA {
		if failed := c.verifyCode(ctx, u, p.Code); failed != nil {
			return *failed
		}
	} else {
		required, err := c.accounts.RequiresTwoFactor(ctx, u)
		if err != nil {
			c.logger.Errorw("two-factor check", "user_id", u.ID, "err", err)
			return result.Fail[LoginResponse](http.StatusInternalServerError, result.ErrErrorOccured)
		}
		if required {
			return c.challenge(ctx, u)
		}
	}

	if err := c.accounts.SignInSucceeded(ctx, u); err != nil {
		c.logger.Errorw("complete sign in", "user_id", u.ID, "err", err)
		return result.Fail[LoginResponse](http.StatusInternalServerError, result.ErrErrorOccured)
	}
	if s, ok := sessionFrom(ctx); ok {
		if err := s.SignIn(ctx, u); err != nil {
			c.logger.Errorw("sign in", "user_id", u.ID, "err", err)
			return result.Fail[LoginResponse](http.StatusInternalServerError, result.ErrErrorOccured)
		}
	}

	state := NewState()
	if c.states != nil {
		if err := c.states.Save(ctx, state); err != nil {
			c.logger.Errorw("save authorize state", "err", err)
			return result.Fail[LoginResponse](http.StatusInternalServerError, result.ErrErrorOccured)
		}
	}
	return result.Ok(LoginResponse{AuthURL: c.authorizeURL(state)})
}

// challenge sends the email code when the factor needs one and reports that a
// code is owed.
func (c *Coordinator) challenge(ctx context.Context, u *entity.User) result.Result[LoginResponse] {
	if _, err := c.factors.Challenge(ctx, u); err != nil {
		c.logger.Errorw("issue second factor", "user_id", u.ID, "type", u.TwoFactorType, "err", err)
		r := result.Fail[LoginResponse](http.StatusBadRequest, result.ErrCannotGenerate2faCode)
		r.Value.TwoFactorAuthEnabled = true
		return r
	}
	return result.Ok(LoginResponse{TwoFactorAuthEnabled: true})
}

// verifyCode checks the second-factor code. A wrong code counts toward
// lockout exactly like a wrong password. A nil result means the code passed.
func (c *Coordinator) verifyCode(ctx context.Context, u *entity.User, code string) *result.Result[LoginResponse] {
	ok, err := c.factors.Verify(ctx, u, code)
	if err != nil {
		c.logger.Warnw("verify second factor", "user_id", u.ID, "err", err)
	}
	if ok {
		return nil
	}
	var r result.Result[LoginResponse]
	switch err := c.accounts.SecondFactorFailed(ctx, u); {
	case errors.Is(err, user.ErrLocked):
		r = result.Fail[LoginResponse](http.StatusForbidden, result.ErrUserLocked)
	case err != nil:
		c.logger.Errorw("record failed second factor", "user_id", u.ID, "err", err)
		r = result.Fail[LoginResponse](http.StatusInternalServerError, result.ErrErrorOccured)
	default:
		r = result.Fail[LoginResponse](http.StatusBadRequest, result.ErrInvalidCode)
	}
	r.Value.TwoFactorAuthEnabled = true
	return &r
}

func (c *Coordinator) authorizeURL(state string) string {
	web := c.opts.Web
	q := url.Values{}
	q.Set("client_id", web.ID)
	q.Set("client_secret", web.Secret)
	q.Set("redirect_uri", web.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(web.Scopes, " "))
	q.Set("state", state)
	return c.opts.AuthorizeEndpoint + "?" + q.Encode()
}

// LoginCallback redeems the authorization code for an identity token. Any
// failure signs the caller out.
func (c *Coordinator) LoginCallback(ctx context.Context, code, state string) result.Result[LoginResponse] {
	signOut := func() {
		if s, ok := sessionFrom(ctx); ok {
			s.SignOut()
		}
	}
	if c.states != nil {
		ok, err := c.states.Consume(ctx, state)
		if err != nil {
			c.logger.Errorw("consume authorize state", "err", err)
			signOut()
			return result.Fail[LoginResponse](http.StatusInternalServerError, result.ErrErrorOccured)
		}
		if !ok {
			signOut()
			return result.Fail[LoginResponse](http.StatusBadRequest, result.ErrInvalidState)
		}
	}

	web := c.opts.Web
	resp, err := c.tokens.AuthorizationCodeGrant(ctx, oidc.ClientCredentials{
		ID:          web.ID,
		Secret:      web.CodeFlowSecret,
		RedirectURI: web.RedirectURI,
		Scopes:      web.Scopes,
	}, code)
	switch {
	case err != nil:
		c.logger.Warnw("code exchange", "err", err)
	case resp.IsError():
		c.logger.Infow("code exchange rejected", "error", resp.Error, "description", resp.ErrorDescription)
	case resp.IDToken == "":
		c.logger.Warnw("code exchange returned no id token")
	default:
		return result.Ok(LoginResponse{IDToken: resp.IDToken})
	}
	signOut()
	return result.Fail[LoginResponse](http.StatusUnauthorized, result.ErrUnauthorized)
}

// AccessToken is direct token retrieval for trusted clients.
func (c *Coordinator) AccessToken(ctx context.Context, p LoginParameters) result.Result[LoginResponse] {
	u, failed := c.checkCredentials(ctx, p)
	if failed != nil {
		return *failed
	}

	required, err := c.accounts.RequiresTwoFactor(ctx, u)
	if err != nil {
		c.logger.Errorw("two-factor check", "user_id", u.ID, "err", err)
		return result.Fail[LoginResponse](http.StatusInternalServerError, result.ErrErrorOccured)
	}
	if required {
		if !p.Verify2FA {
			return c.challenge(ctx, u)
		}
		if failed := c.verifyCode(ctx, u, p.Code); failed != nil {
			return *failed
		}
	}

	if err := ctx.Err(); err != nil {
		return result.Fail[LoginResponse](http.StatusUnauthorized, result.ErrInvalidGrant)
	}
	resp, err := c.tokens.PasswordGrant(ctx, c.apiCredentials(), p.Username, p.Password)
	if err != nil {
		c.logger.Warnw("password grant", "user_id", u.ID, "err", err)
		return result.Fail[LoginResponse](http.StatusUnauthorized, result.ErrInvalidGrant)
	}
	if resp.IsError() {
		c.logger.Infow("password grant rejected", "user_id", u.ID, "error", resp.Error)
		return result.FailCause[LoginResponse](http.StatusUnauthorized, result.ErrInvalidGrant, resp.Error)
	}
	return result.Ok(LoginResponse{Token: resp.AccessToken, RefreshToken: resp.RefreshToken})
}

// Refresh trades a refresh token for a new pair.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) result.Result[TokenPair] {
	if refreshToken == "" {
		return result.FailCause[TokenPair](http.StatusBadRequest, result.ErrValidation, "refresh token is required")
	}
	resp, err := c.tokens.RefreshGrant(ctx, c.apiCredentials(), refreshToken)
	if err != nil {
		c.logger.Warnw("refresh grant", "err", err)
		return result.Fail[TokenPair](http.StatusUnauthorized, result.ErrInvalidGrant)
	}
	if resp.IsError() {
		return result.FailCause[TokenPair](http.StatusBadRequest, resp.Error, resp.ErrorDescription)
	}
	return result.Ok(TokenPair{Token: resp.AccessToken, RefreshToken: resp.RefreshToken, ExpiresIn: resp.ExpiresIn})
}

func (c *Coordinator) apiCredentials() oidc.ClientCredentials {
	return oidc.ClientCredentials{ID: c.opts.API.ID, Secret: c.opts.API.Secret, Scopes: c.opts.API.Scopes}
}
