package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/mail"
	"github.com/aussiebroadwan/credcore/internal/auth/oauth"
	"github.com/aussiebroadwan/credcore/internal/auth/service"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/internal/auth/store/drivers/postgres"
	"github.com/aussiebroadwan/credcore/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/jwtx"
	"github.com/aussiebroadwan/credcore/pkg/lockx"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application holds the credential core and the background jobs that
// maintain it.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db     store.Store
	redis  *redis.Client
	clock  clockx.Clock
	cipher *cryptox.Cipher
	hasher *cryptox.Hasher
	signer jwtx.Signer
	keys   *jwtx.KeySet

	// Services
	Audit        *service.AuditService
	Tokens       *service.RefreshTokenService
	Verification *service.EmailVerificationService
	Reset        *service.PasswordResetService
	MFA          *service.MFAService
	OAuth        *service.OAuthService
	Sessions     *service.SessionService

	oauthRefresh *service.OAuthRefreshJob
	housekeeping *service.HousekeepingService
}

// New creates a new Application with all dependencies initialized.
func New(ctx context.Context, cfg Config) (*Application, error) {
	app := &Application{
		cfg:   cfg,
		clock: clockx.System{},
		logger: slogx.New(slogx.Config{
			Service: "credcore",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}
	slog.SetDefault(app.logger)

	if err := app.initCrypto(); err != nil {
		return nil, err
	}
	if err := app.initDatabase(ctx); err != nil {
		return nil, err
	}

	signer, keys, err := InitSigningKey(cfg, app.logger)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to initialize signing key: %w", err)
	}
	app.signer, app.keys = signer, keys

	locker, err := app.initLocker(ctx)
	if err != nil {
		app.close()
		return nil, err
	}

	if err := app.initServices(locker); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

// Run starts the background jobs and blocks until a shutdown signal.
func (app *Application) Run() error {
	app.housekeeping.Start()
	app.logger.Info("credcore starting", "version", BuildVersion, "db_driver", app.cfg.DBDriver)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)

	if err := app.Shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// RunOnce runs every job a single time and releases resources.
func (app *Application) RunOnce(ctx context.Context) error {
	ctx = slogx.WithContext(ctx, app.logger)

	_, cleanupErr := app.housekeeping.Cleanup(ctx)
	_, refreshErr := app.housekeeping.RefreshOAuth(ctx)
	app.close()
	return errors.Join(cleanupErr, refreshErr)
}

// Shutdown stops the jobs, waiting at most ShutdownGracePeriod, and closes
// connections.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down credcore...")

	done := make(chan struct{})
	go func() {
		app.housekeeping.Stop()
		close(done)
	}()

	grace := app.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		app.logger.Error("housekeeping did not stop in time", "grace_period", grace)
	}

	if err := app.close(); err != nil {
		return err
	}
	app.logger.Info("credcore stopped")
	return nil
}

func (app *Application) close() error {
	var errs []error
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
			errs = append(errs, err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (app *Application) initCrypto() error {
	key, err := app.cfg.encryptionKey()
	if err != nil {
		return err
	}
	app.cipher, err = cryptox.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}

	pepper, err := cryptox.LoadOrCreatePepper(app.cfg.PepperFile)
	if err != nil {
		return err
	}
	app.hasher, err = cryptox.NewHasher(cryptox.HasherConfig{
		Pepper:      pepper,
		Concurrency: app.cfg.HashConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize hasher: %w", err)
	}
	return nil
}

// initDatabase opens the configured driver and applies migrations.
func (app *Application) initDatabase(ctx context.Context) error {
	var (
		db  store.Store
		err error
	)
	switch app.cfg.DBDriver {
	case "sqlite":
		db, err = sqlite.NewStore(app.cfg.DBDSN)
	case "postgres":
		db, err = postgres.NewStore(ctx, app.cfg.DBDSN)
	default:
		return fmt.Errorf("unknown database driver %q", app.cfg.DBDriver)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		app.close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully", "driver", app.cfg.DBDriver)
	return nil
}

// initLocker returns a Redis locker when an address is configured so that
// several replicas share job runs, and an in-process one otherwise.
func (app *Application) initLocker(ctx context.Context) (lockx.Locker, error) {
	if app.cfg.RedisAddr == "" {
		return lockx.NewLocalLocker(), nil
	}

	app.redis = redis.NewClient(&redis.Options{Addr: app.cfg.RedisAddr})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	app.logger.Info("redis job locks enabled", "addr", app.cfg.RedisAddr)
	return lockx.NewRedisLocker(app.redis), nil
}

func (app *Application) initProviders() (oauth.Registry, error) {
	var providers []oauth.Provider
	add := func(cfg oauth.Config) error {
		if cfg.ClientID == "" {
			return nil
		}
		cfg.Timeout = app.cfg.OAuthHTTPTimeout
		c, err := oauth.NewClient(cfg)
		if err != nil {
			return err
		}
		providers = append(providers, c)
		return nil
	}

	if err := add(oauth.Google(app.cfg.GoogleClientID, app.cfg.GoogleClientSecret, app.callbackURL("google"))); err != nil {
		return nil, err
	}
	if err := add(oauth.GitHub(app.cfg.GitHubClientID, app.cfg.GitHubClientSecret, app.callbackURL("github"))); err != nil {
		return nil, err
	}

	registry := oauth.NewRegistry(providers...)
	app.logger.Info("oauth providers configured", "providers", registry.Names())
	return registry, nil
}

func (app *Application) callbackURL(provider string) string {
	u, err := url.JoinPath(app.cfg.AppURL, "oauth", provider, "callback")
	if err != nil {
		return ""
	}
	return u
}

func (app *Application) initServices(locker lockx.Locker) error {
	mailer, err := mail.NewLogMailer(app.logger)
	if err != nil {
		return err
	}
	providers, err := app.initProviders()
	if err != nil {
		return err
	}

	app.Audit = &service.AuditService{Store: app.db, Clock: app.clock}
	app.Tokens = &service.RefreshTokenService{
		Store: app.db,
		Clock: app.clock,
		TTL:   app.cfg.RefreshTokenTTL,
	}
	app.Verification = &service.EmailVerificationService{
		Store:  app.db,
		Clock:  app.clock,
		TTL:    app.cfg.EmailVerificationTTL,
		Mailer: mailer,
		AppURL: app.cfg.AppURL,
	}
	app.Reset = &service.PasswordResetService{
		Store:  app.db,
		Clock:  app.clock,
		TTL:    app.cfg.PasswordResetTTL,
		Hasher: app.hasher,
		Mailer: mailer,
		AppURL: app.cfg.AppURL,
	}
	app.MFA = &service.MFAService{
		Store:  app.db,
		Clock:  app.clock,
		Cipher: app.cipher,
		Issuer: app.cfg.Issuer,
	}
	app.OAuth = &service.OAuthService{
		Store:     app.db,
		Clock:     app.clock,
		Cipher:    app.cipher,
		Providers: providers,
	}
	app.Sessions = &service.SessionService{
		Store:        app.db,
		Clock:        app.clock,
		Hasher:       app.hasher,
		Signer:       app.signer,
		Verifier:     jwtx.NewVerifierEdDSA(app.keys, app.cfg.Issuer, 0, app.clock.Now),
		Issuer:       app.cfg.Issuer,
		AccessTTL:    app.cfg.AccessTokenTTL,
		Tokens:       app.Tokens,
		MFA:          app.MFA,
		Verification: app.Verification,
	}

	app.oauthRefresh = &service.OAuthRefreshJob{
		Store:     app.db,
		Clock:     app.clock,
		Cipher:    app.cipher,
		Providers: providers,
		Lookahead: app.cfg.OAuthRefreshLookahead,
		Timeout:   app.cfg.OAuthHTTPTimeout,
	}
	if app.cfg.OAuthRefreshRPS > 0 {
		app.oauthRefresh.Limiter = rate.NewLimiter(rate.Limit(app.cfg.OAuthRefreshRPS), 1)
	}

	app.housekeeping = service.NewHousekeepingService(
		app.logger,
		locker,
		app.Tokens,
		app.Verification,
		app.Reset,
		app.oauthRefresh,
		app.cfg.HousekeepingInterval,
		app.cfg.OAuthRefreshInterval,
	)
	return nil
}
