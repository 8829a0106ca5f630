// Package service is the composition root: it builds the repository,
// registry, scheduler, pool and API server from config and runs them
// under one lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/curbpost/curbpost/internal/api"
	"github.com/curbpost/curbpost/internal/browser"
	"github.com/curbpost/curbpost/internal/config"
	"github.com/curbpost/curbpost/internal/interpreter"
	"github.com/curbpost/curbpost/internal/observability"
	"github.com/curbpost/curbpost/internal/registry"
	"github.com/curbpost/curbpost/internal/scheduler"
	"github.com/curbpost/curbpost/internal/store"
)

// Components holds every long-lived piece of the backend.
type Components struct {
	Cfg       *config.Config
	Repo      store.Repository
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Pool      *browser.Pool
	Server    *api.Server

	log    *zap.Logger
	pgPool *pgxpool.Pool
}

// Build assembles the backend. An empty database URL selects the
// in-memory repository; state then dies with the process, which is fine
// for local development and tests.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	log := observability.GetLogger().Named("service")

	var (
		repo   store.Repository
		pgPool *pgxpool.Pool
	)
	if cfg.Database.URL != "" {
		var err error
		pgPool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("creating database pool: %w", err)
		}
		repo, err = store.New(ctx, pgPool, observability.GetLogger())
		if err != nil {
			pgPool.Close()
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		log.Info("using postgres repository")
	} else {
		repo = store.NewMemory()
		log.Warn("no database configured, state is in-memory and volatile")
	}

	reg := registry.New(repo, cfg.Registry)
	sched := scheduler.New(repo, cfg.Scheduler)
	pool := browser.NewPool(cfg.Browser)
	server := api.NewServer(cfg.API, reg, sched, pool, repo)

	return &Components{
		Cfg:       cfg,
		Repo:      repo,
		Registry:  reg,
		Scheduler: sched,
		Pool:      pool,
		Server:    server,
		log:       log,
		pgPool:    pgPool,
	}, nil
}

// Run drives every loop until ctx is cancelled: the HTTP server, the
// liveness and reclaim sweepers, the session reaper and, when enabled,
// the pooled-agent runner.
func (c *Components) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.Server.Run(ctx) })
	g.Go(func() error { return c.Registry.Run(ctx) })
	g.Go(func() error { return c.Scheduler.Run(ctx) })
	g.Go(func() error { return c.Pool.Run(ctx) })

	if c.Cfg.Runner.Enabled {
		runner := NewRunner(c.Cfg.Runner, c.Registry, c.Scheduler, c.Pool, interpreter.New())
		g.Go(func() error { return runner.Run(ctx) })
	}

	err := g.Wait()
	c.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases resources not owned by a Run loop.
func (c *Components) Close() {
	c.Pool.Shutdown()
	if c.pgPool != nil {
		c.pgPool.Close()
	}
	c.log.Info("service stopped")
}
