// Command identityd runs the identity service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"

	"github.com/dlddu/tiny-identity/internal/config"
	"github.com/dlddu/tiny-identity/internal/crypto"
	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/handler"
	"github.com/dlddu/tiny-identity/internal/jwt"
	"github.com/dlddu/tiny-identity/internal/logging"
	"github.com/dlddu/tiny-identity/internal/metrics"
	"github.com/dlddu/tiny-identity/internal/passkey"
	"github.com/dlddu/tiny-identity/internal/repository"
	"github.com/dlddu/tiny-identity/internal/service"
)

func main() {
	if err := run(); err != nil {
		logging.Logger().Fatal().Err(err).Msg("identityd stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.Component("identityd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.Bootstrap(ctx, db); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	store := repository.NewPostgresStore(db)

	if cfg.Passkey.BadgerPath != "" {
		challenges, err := repository.OpenBadgerChallengeRepository(cfg.Passkey.BadgerPath)
		if err != nil {
			return fmt.Errorf("open challenge store: %w", err)
		}
		defer challenges.Close()
		store.Challenges = challenges
		log.Info().Str("path", cfg.Passkey.BadgerPath).Msg("passkey challenges stored in badger")
	}

	key, err := jwt.LoadOrGenerateKey(cfg.JWT.PrivateKeyPath, cfg.JWT.PublicKeyPath, cfg.JWT.GenerateKey, cfg.JWT.KeyBits)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	tokens, err := jwt.NewTokenManager(key, cfg.JWT.Issuer)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}
	log.Info().Str("kid", tokens.KID()).Str("issuer", tokens.Issuer()).Msg("signing key loaded")

	decoy := []byte(cfg.Passkey.DecoySecret)
	if len(decoy) == 0 {
		if decoy, err = crypto.RandomBytes(32); err != nil {
			return err
		}
		log.Warn().Msg("passkey.decoy_secret is unset; decoy credentials change on restart")
	}

	m := metrics.New()
	opts := []service.Option{service.WithLogger(logging.Logger()), service.WithMetrics(m)}

	roles := service.NewRoleService(store.Roles, opts...)
	if err := roles.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap roles: %w", err)
	}
	sessions := service.NewSessionService(store.Accounts, store.Sessions, store.Roles, tokens, service.SessionConfig{
		AccessTTL:  cfg.Session.AccessTTL,
		RefreshTTL: cfg.Session.RefreshTTL,
	}, opts...)
	accounts := service.NewAccountService(store.Accounts, store.Roles, crypto.NewBcryptHasher(bcrypt.DefaultCost), sessions, domain.LockoutPolicy{
		Threshold: cfg.Lockout.Threshold,
		Duration:  cfg.Lockout.Duration,
	}, opts...)
	apiKeys := service.NewAPIKeyService(store.APIKeys, store.Accounts, cfg.APIKey.MaxLifetime, opts...)
	passkeys := service.NewPasskeyService(store.Challenges, store.Credentials, store.Accounts, accounts, service.PasskeyConfig{
		RelyingParty: passkey.Config{RPID: cfg.Passkey.RPID, RPName: cfg.Passkey.RPName, Origin: cfg.Passkey.Origin},
		ChallengeTTL: cfg.Passkey.ChallengeTTL,
		DecoySecret:  decoy,
	}, opts...)

	routerCfg := handler.RouterConfig{Tokens: tokens, Metrics: m}
	if !cfg.RateLimit.Disabled {
		routerCfg.LoginRequests = cfg.RateLimit.LoginRequests
		routerCfg.LoginWindow = cfg.RateLimit.LoginWindow
	}
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: handler.NewRouter(handler.Services{
			Accounts: accounts,
			Sessions: sessions,
			APIKeys:  apiKeys,
			Passkeys: passkeys,
			Roles:    roles,
		}, routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
