// Package app is the main orchestrator that ties all dialbridge components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dialbridge/dialbridge/internal/api"
	"github.com/dialbridge/dialbridge/internal/auth"
	"github.com/dialbridge/dialbridge/internal/config"
	"github.com/dialbridge/dialbridge/internal/relay"
	"github.com/dialbridge/dialbridge/internal/store"
)

// App is the main dialbridge process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	relay        *relay.Relay
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	rl := relay.New(db, authProvider, logger, relay.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ConfirmTimeout: cfg.Call.ConfirmTimeout.Duration,
		MaxDuration:    cfg.Call.MaxDuration.Duration,
		PingInterval:   cfg.Call.PingInterval.Duration,
		MaxPhones:      cfg.Call.MaxPhonesPerOwner,
		SendBuffer:     cfg.Call.SendBuffer,
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, rl, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		relay:        rl,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start the connection liveness sweeper.
	a.relay.StartSweeper(ctx)

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if a.cfg.Storage.CallLogRetention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.CallLogRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("dialbridge listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}

// runRetentionPurger periodically deletes call logs past their retention
// window and device-session rows whose tokens have already expired.
func (a *App) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := a.store.PurgeOldCallLogs(ctx, cutoff); err != nil {
				a.logger.Warn("retention purge: call logs failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted old call logs", "count", n)
			}
			if n, err := a.store.PurgeExpiredDeviceSessions(ctx); err != nil {
				a.logger.Warn("retention purge: device sessions failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted expired device sessions", "count", n)
			}
		}
	}
}
