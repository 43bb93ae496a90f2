package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DevTokenSecret is the fallback purpose-token secret. cmd/api warns when it is in use.
const DevTokenSecret = "pitchfork-identity-dev-secret"

// ClientConfig is one OAuth client registered with the issuer.
type ClientConfig struct {
	ID     string `env:"ID"`
	Secret string `env:"SECRET"`
	// CodeFlowSecret authenticates the authorization-code exchange made by the login callback.
	CodeFlowSecret string   `env:"CODE_FLOW_SECRET"`
	RedirectURI    string   `env:"REDIRECT_URI"`
	Scopes         []string `env:"SCOPES" envSeparator:" "`
}

// Secrets lists every secret the client may authenticate with.
func (c ClientConfig) Secrets() []string {
	out := []string{c.Secret}
	if c.CodeFlowSecret != "" && c.CodeFlowSecret != c.Secret {
		out = append(out, c.CodeFlowSecret)
	}
	return out
}

type TOTPConfig struct {
	Issuer string `env:"ISSUER" envDefault:"Pitchfork Identity"`
	Digits int    `env:"DIGITS" envDefault:"6"`
	Period int    `env:"PERIOD" envDefault:"30"`
	Skew   int    `env:"SKEW" envDefault:"1"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// SeedConfig describes the account created on first start. An empty UserName disables seeding.
type SeedConfig struct {
	UserName string `env:"USER_NAME"`
	Email    string `env:"EMAIL"`
	Password string `env:"PASSWORD"`
}

type Config struct {
	Addr      string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8431"`
	BasePath  string `env:"HTTP_BASE_PATH" envDefault:"/pitchfork-api-identity"`
	Authority string `env:"IDENTITY_AUTHORITY" envDefault:"http://localhost:8431"`
	WebURL    string `env:"IDENTITY_WEB_URL" envDefault:"http://localhost:3000"`

	Web ClientConfig `envPrefix:"IDENTITY_WEB_CLIENT_"`
	API ClientConfig `envPrefix:"IDENTITY_API_CLIENT_"`

	TokenSecret     string        `env:"IDENTITY_TOKEN_SECRET" envDefault:"pitchfork-identity-dev-secret"`
	PurposeTokenTTL time.Duration `env:"IDENTITY_PURPOSE_TOKEN_TTL" envDefault:"24h"`
	AccessTokenTTL  time.Duration `env:"IDENTITY_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"IDENTITY_REFRESH_TOKEN_TTL" envDefault:"720h"`
	AuthCodeTTL     time.Duration `env:"IDENTITY_AUTH_CODE_TTL" envDefault:"5m"`

	AdminRole   string     `env:"IDENTITY_ADMIN_ROLE" envDefault:"Admin"`
	DefaultRole string     `env:"IDENTITY_DEFAULT_ROLE" envDefault:"Member"`
	Seed        SeedConfig `envPrefix:"IDENTITY_SEED_"`

	PasswordMinLength int `env:"IDENTITY_PASSWORD_MIN_LENGTH" envDefault:"6"`
	BcryptCost        int `env:"IDENTITY_BCRYPT_COST" envDefault:"12"`
	MaxFailedAccess   int `env:"IDENTITY_MAX_FAILED_ACCESS" envDefault:"6"`
	LockoutMinutes    int `env:"IDENTITY_LOCKOUT_MINUTES" envDefault:"15"`

	TOTP         TOTPConfig    `envPrefix:"TWO_FACTOR_TOTP_"`
	EmailCodeTTL time.Duration `env:"TWO_FACTOR_EMAIL_CODE_TTL" envDefault:"5m"`

	Redis RedisConfig `envPrefix:"REDIS_"`

	// VerifyState turns on store-and-compare of the authorize state on the login callback.
	VerifyState bool          `env:"AUTH_VERIFY_STATE" envDefault:"false"`
	StateTTL    time.Duration `env:"AUTH_STATE_TTL" envDefault:"10m"`
}

// ConfigFromEnv parses the service configuration and fills client defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyClientDefaults()
	return cfg, nil
}

func (c *Config) applyClientDefaults() {
	if c.Web.ID == "" {
		c.Web.ID = "identity-web"
	}
	if c.Web.Secret == "" {
		c.Web.Secret = "identity-web-secret"
	}
	if c.Web.CodeFlowSecret == "" {
		c.Web.CodeFlowSecret = "identity-web-code-secret"
	}
	if c.Web.RedirectURI == "" {
		c.Web.RedirectURI = c.Authority + c.BasePath + "/login/callback"
	}
	if len(c.Web.Scopes) == 0 {
		c.Web.Scopes = []string{"openid", "profile", "email"}
	}
	if c.API.ID == "" {
		c.API.ID = "identity-api"
	}
	if c.API.Secret == "" {
		c.API.Secret = "identity-api-secret"
	}
	if len(c.API.Scopes) == 0 {
		c.API.Scopes = []string{"full", "offline_access"}
	}
}

// TokenEndpoint is where the coordinator sends its grant exchanges.
func (c Config) TokenEndpoint() string {
	return c.Authority + "/connect/token"
}

// AuthorizeEndpoint is the external authorization endpoint login redirects to.
func (c Config) AuthorizeEndpoint() string {
	return c.Authority + "/connect/authorize"
}
