package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc"
	oidcrepo "github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc/repo"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/twofactor"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-identity-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/security"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

func main() {
	// best-effort: without a .env the real environment and defaults apply
	_ = godotenv.Load()

	logCfg, err := utilities.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger config: %v\n", err)
		os.Exit(1)
	}
	lg, err := utilities.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	if err := run(sugar); err != nil {
		sugar.Errorw("service stopped", "err", err)
		_ = lg.Sync()
		os.Exit(1)
	}
	sugar.Info("goodbye")
}

func run(sugar *zap.SugaredLogger) error {
	cfg, err := config.ConfigFromEnv()
	if err != nil {
		return err
	}
	sugar.Infow("starting service-identity-go", "addr", cfg.Addr, "authority", cfg.Authority)
	if cfg.TokenSecret == config.DevTokenSecret {
		sugar.Warn("IDENTITY_TOKEN_SECRET is the development default; set it before going to production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// db
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		return err
	}
	db, err := database.Connect(dbCfg)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := database.ApplyMigrations(db, sugar); err != nil {
		return err
	}

	// redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	ids, err := utilities.NewIDGenerator(utilities.NodeFromEnv())
	if err != nil {
		return err
	}
	stores := user.NewStoresFactory(db, sugar, userrepo.Options{
		IDs:               ids,
		Hasher:            security.BcryptHasher{Cost: cfg.BcryptCost},
		Tokens:            security.NewTokenProtector(cfg.TokenSecret, cfg.PurposeTokenTTL),
		PasswordMinLength: cfg.PasswordMinLength,
		MaxFailedAccess:   cfg.MaxFailedAccess,
		LockoutDuration:   time.Duration(cfg.LockoutMinutes) * time.Minute,
	})

	mail := notify.NewLogDispatcher(sugar)
	totp := twofactor.NewTOTP(twofactor.TOTPConfig{
		Issuer: cfg.TOTP.Issuer,
		Digits: cfg.TOTP.Digits,
		Period: cfg.TOTP.Period,
		Skew:   cfg.TOTP.Skew,
	})
	accounts := user.NewAccountService(stores, totp, mail, user.ServiceOptions{DefaultRole: cfg.DefaultRole, WebURL: cfg.WebURL}, sugar)
	if err := accounts.Seed(ctx, cfg.AdminRole, user.SeedAccount{
		UserName: cfg.Seed.UserName,
		Email:    cfg.Seed.Email,
		Password: cfg.Seed.Password,
	}); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	factors := twofactor.NewManager(twofactor.NewEmailCodes(rdb, mail, cfg.EmailCodeTTL, sugar), totp)

	// issuer
	issuer, err := oidc.NewService(oidcrepo.NewGrantRepo(db), oidc.Options{
		Issuer:          cfg.Authority,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		AuthCodeTTL:     cfg.AuthCodeTTL,
	}, sugar)
	if err != nil {
		return err
	}
	accounts.UseRevoker(issuer)
	sessions := auth.NewSessionCookies(cfg.TokenSecret, 0, accounts, sugar)
	issuerHandler := oidc.NewHandler(issuer, accounts, []config.ClientConfig{cfg.Web, cfg.API}, sugar)
	issuerHandler.UseSessions(sessions)

	// sign-in
	coord := auth.NewCoordinator(accounts, factors, oidc.NewTokenClient(cfg.TokenEndpoint(), nil), auth.CoordinatorOptions{
		AuthorizeEndpoint: cfg.AuthorizeEndpoint(),
		Web:               cfg.Web,
		API:               cfg.API,
	}, sugar)
	if cfg.VerifyState {
		coord.UseStateStore(auth.NewRedisStateStore(rdb, cfg.StateTTL))
		sugar.Info("authorize state verification enabled")
	}

	handler := router.RegisterRoutes(router.Deps{
		BasePath:  cfg.BasePath,
		AdminRole: cfg.AdminRole,
		Accounts:  user.NewHandler(accounts, sugar),
		Auth:      auth.NewHandler(coord, sessions, sugar),
		Issuer:    issuerHandler,
		Tokens:    issuer,
		Ping: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
		Logger: sugar,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server failed: %w", err)
	}

	sugar.Info("shutting down")
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	return nil
}
