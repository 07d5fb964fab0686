// Package app is the main orchestrator that ties all gateway components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wirechat/wirechat/internal/auth"
	"github.com/wirechat/wirechat/internal/bridge"
	"github.com/wirechat/wirechat/internal/chat"
	"github.com/wirechat/wirechat/internal/config"
	"github.com/wirechat/wirechat/internal/server"
	"github.com/wirechat/wirechat/internal/store"
)

// App is the main gateway process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	bridge       *bridge.Bridge
	gateway      *chat.Gateway
	api          *server.Server
	logger       *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates the initial user for the builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	// Get LoginProvider.
	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// The registry is shared between the gateway and the bridge: the bridge
	// needs it to hand relayed frames to local connections.
	registry := chat.NewRegistry(logger)

	var br *bridge.Bridge
	if cfg.Bridge.Addr != "" {
		br, err = bridge.New(cfg.Bridge, registry, logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init bridge: %w", err)
		}
	}

	// bridge.Bridge is passed through an interface; a typed nil must not
	// reach the gateway as a non-nil interface value.
	var deliveryBridge chat.DeliveryBridge
	if br != nil {
		deliveryBridge = br
	}

	gw := chat.New(db, authProvider, registry, deliveryBridge, logger, chat.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxConnsPerUser: cfg.Session.MaxConnsPerUser,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
		BacklogMode:     cfg.Session.BacklogMode,
		BacklogLimit:    cfg.Session.BacklogLimit,
		AckDelivery:     cfg.Session.AckDelivery,
	})

	apiSrv := server.NewServer(db, authProvider, loginProvider, gw, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		bridge:       br,
		gateway:      gw,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" && len(cfg.Auth.JWTSecret) < 48 {
		logger.Warn("JWT secret is shorter than 48 characters, consider a stronger secret in production")
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

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if a.cfg.Storage.Retention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("gateway listening", "addr", a.cfg.Server.Addr)
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

		a.close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		a.close()
		return err
	}
}

func (a *App) close() {
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.logger.Warn("bridge close failed", "error", err)
		}
	}
	a.logger.Info("closing store")
	_ = a.store.Close()
}

func (a *App) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := a.store.PurgeOldMessages(ctx, cutoff); err != nil {
				a.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge deleted old messages", "count", n)
			}
		}
	}
}
