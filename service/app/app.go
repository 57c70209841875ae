// Package app wires the engine and its dependencies from configuration. The
// server, the worker and the CLI share it so every process sees the same store,
// lock and gateway setup.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/squadrecon/service/config"
	"github.com/brojonat/squadrecon/service/db"
	"github.com/brojonat/squadrecon/service/engine"
	"github.com/brojonat/squadrecon/service/lock"
	"github.com/brojonat/squadrecon/service/metrics"
	natspkg "github.com/brojonat/squadrecon/service/nats"
	"github.com/brojonat/squadrecon/service/signature"
	"github.com/brojonat/squadrecon/service/squad"
	"github.com/jackc/pgx/v5/pgxpool"
)

// App holds a wired engine and the resources it owns.
type App struct {
	Engine *engine.Engine
	Store  engine.Store

	logger  *slog.Logger
	closers []func()
}

// Options controls which optional dependencies Build connects.
type Options struct {
	// Publish connects the NATS publisher. The CLI leaves it off.
	Publish bool
}

// Build connects the store, the lock, the gateway and optionally NATS, and
// returns a ready engine. Close releases everything Build opened.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}

	store, closeStore, err := OpenStore(ctx, cfg, m, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	locker, closeLocker, err := NewLocker(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeLocker)

	verifier, err := signature.NewVerifier([]byte(cfg.WebhookSecret()))
	if err != nil {
		a.Close()
		return nil, err
	}

	gateway := squad.NewClient(cfg.SquadBaseURL, cfg.SquadSecretKey, cfg.GatewayTimeout, cfg.GatewayMaxRetries, m, logger)
	logger.Info("initialized squad client", "base_url", cfg.SquadBaseURL)

	params := engine.Params{
		Store:    store,
		Locker:   locker,
		Verifier: verifier,
		Gateway:  gateway,
		Metrics:  m,
		Logger:   logger,
		Config: engine.Config{
			StaleAfter:           cfg.StaleAfter,
			MaxReconcileAttempts: cfg.MaxReconcileAttempts,
		},
	}

	if opts.Publish {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		a.closers = append(a.closers, func() { publisher.Close() })
		params.Publisher = publisher
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	eng, err := engine.New(params)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = eng
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenStore opens the configured store. Postgres is migrated on open.
func OpenStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (engine.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverBolt:
		store, err := db.OpenBolt(cfg.BoltPath, m)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		logger.Info("opened bolt store", "path", cfg.BoltPath)
		return store, func() { store.Close() }, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store := db.NewStore(pool, m)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("connected to database")
		return store, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// NewLocker returns a Redis lock when REDIS_URL is set so several server
// instances serialize on the same reference, and an in-process lock otherwise.
func NewLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("using in-process reference lock")
		return lock.NewKeyedMutex(), func() {}, nil
	}

	locker, client, err := lock.NewRedisLockerFromURL(cfg.RedisURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("using redis reference lock")
	return locker, func() { client.Close() }, nil
}
