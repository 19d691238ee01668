// Package app assembles the indexing pipeline from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/background"
	"github.com/and161185/skyindex/internal/checkout"
	"github.com/and161185/skyindex/internal/coalesce"
	"github.com/and161185/skyindex/internal/config"
	"github.com/and161185/skyindex/internal/identity"
	"github.com/and161185/skyindex/internal/indexing"
	"github.com/and161185/skyindex/internal/metrics"
	"github.com/and161185/skyindex/internal/migrate"
	"github.com/and161185/skyindex/internal/repository/postgres"
)

// App holds the long-lived components shared by the commands.
type App struct {
	DB       *postgres.DB
	Cursors  *postgres.CursorRepo
	Metrics  *metrics.Collector
	Queue    *background.Queue
	Resolver *identity.Resolver
	Fetcher  *checkout.Fetcher
	Service  *indexing.Service
	log      *zap.Logger
}

// New migrates (when configured), opens the pool and wires the indexing service.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if cfg.MigrateOnStart {
		if err := migrate.Up(ctx, cfg.DatabaseDSN, log); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
	}
	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return Wire(db, cfg, log), nil
}

// Wire builds every component on top of an open pool.
func Wire(db *postgres.DB, cfg config.Config, log *zap.Logger) *App {
	m := metrics.NewCollector()
	queue := background.New(db, log.Named("background"), background.Options{
		Workers: cfg.Background.Workers,
		Buffer:  cfg.Background.Buffer,
		Metrics: m,
	})
	resolver := identity.NewResolver(identity.Options{
		PLCURL:     cfg.Identity.PLCURL,
		HTTPClient: &http.Client{Timeout: cfg.Identity.Timeout},
		CacheTTL:   cfg.Identity.CacheTTL,
		MaxRetries: cfg.Identity.MaxRetries,
		RetryBase:  cfg.Identity.RetryBase,
	}, log.Named("identity"))
	fetcher := checkout.NewFetcher(resolver, checkout.Options{
		HTTPClient: &http.Client{Timeout: cfg.Checkout.Timeout},
		MaxRetries: cfg.Checkout.MaxRetries,
		RetryBase:  cfg.Checkout.RetryBase,
	}, log.Named("checkout"))
	svc := indexing.NewService(indexing.Deps{
		Store:           db,
		Queue:           queue,
		Resolver:        resolver,
		Checkouts:       fetcher,
		Coalescer:       coalesce.New(log.Named("coalesce"), m),
		Log:             log.Named("indexing"),
		Metrics:         m,
		RepoConcurrency: cfg.Indexing.RepoConcurrency,
	})
	return &App{
		DB:       db,
		Cursors:  postgres.NewCursorRepo(db),
		Metrics:  m,
		Queue:    queue,
		Resolver: resolver,
		Fetcher:  fetcher,
		Service:  svc,
		log:      log,
	}
}

// Close drains the background queue and closes the pool.
func (a *App) Close(ctx context.Context) error {
	err := a.Queue.Destroy(ctx)
	a.DB.Close()
	if err != nil {
		return fmt.Errorf("drain background queue: %w", err)
	}
	a.log.Info("pipeline closed")
	return nil
}
