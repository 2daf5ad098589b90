// Package platform is the main orchestrator that ties the gatehouse
// components together: store, connectors, policy, engines, and the API.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/config"
	"github.com/gatehouse-io/gatehouse/internal/connector"
	"github.com/gatehouse-io/gatehouse/internal/engine"
	"github.com/gatehouse-io/gatehouse/internal/policy"
	"github.com/gatehouse-io/gatehouse/internal/server"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// Platform is the main gatehouse process.
type Platform struct {
	cfg        *config.Config
	store      store.Store
	connectors *connector.Registry
	api        *server.Server
	logger     *slog.Logger
}

// New creates a new platform from configuration.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Platform, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Register connectors per configuration. A disabled connector is simply
	// absent from the registry; provisioning skips it.
	reg := connector.NewRegistry()
	if cfg.Connectors.AzureADEnabled {
		reg.Register(connector.NewAzureAD(cfg.Connectors.Domain, logger))
	}
	if cfg.Connectors.GitHubEnabled {
		reg.Register(connector.NewGitHub(logger))
	}
	if cfg.Connectors.SlackEnabled {
		reg.Register(connector.NewSlack(logger))
	}
	if cfg.Connectors.JiraEnabled {
		logger.Warn("jira connector is not implemented, jira_enabled ignored")
	}

	pol := policy.NewEngine(cfg.Policy.BirthrightDepartments)
	jml := engine.NewJML(db, reg, pol, cfg.Connectors.Timeout.Duration, logger)
	requests := engine.NewRequests(db, pol, jml, logger)

	apiSrv := server.NewServer(db, reg, jml, requests, cfg, version, logger)

	p := &Platform{
		cfg:        cfg,
		store:      db,
		connectors: reg,
		api:        apiSrv,
		logger:     logger.With("component", "platform"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict it in production")
			break
		}
	}
	if len(reg.All()) == 0 {
		logger.Warn("no connectors enabled, provisioning will be a no-op")
	}

	return p, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (p *Platform) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    p.cfg.Server.Addr,
		Handler: p.api.Handler(),
	}

	p.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("gatehouse listening", "addr", p.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			p.logger.Info("http server stopped gracefully")
		}

		p.logger.Info("closing store")
		_ = p.store.Close()
		p.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = p.store.Close()
		return err
	}
}
