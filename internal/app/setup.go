package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"tabletalk/db"
	"tabletalk/internal/backend"
	"tabletalk/internal/config"
	"tabletalk/internal/coordinator"
	"tabletalk/internal/enrich"
	"tabletalk/internal/history"
	"tabletalk/internal/live"
	"tabletalk/internal/observability"
	"tabletalk/internal/session"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	var repo session.Repository
	if cfg.PersistenceEnabled {
		pool, dbCleanup, err := provideDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.DBPool = pool
		a.dbCleanup = dbCleanup
		repo = session.NewPostgresRepository(pool, logger)
	}

	a.Store = session.New(repo, logger)
	if err := a.Store.Load(ctx, cfg.MaxHistoryMessages); err != nil {
		// Hydration failure is operational; the in-memory store still works.
		logger.Warn("failed to load persisted sessions", "error", err)
	}
	restoreCurrentSession(a.Store, logger)

	a.Navigator = history.New(cfg.HistoryLogLimit, logger)

	a.Backend = backend.NewClient(cfg.BackendURL, cfg.RequestTimeout(), logger,
		backend.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	enricher := enrich.New(a.Backend, logger)
	a.Coordinator = coordinator.New(a.Store, a.Backend, enricher, a.Navigator, logger)

	a.Live = live.New(cfg.LiveURL, live.NewGorillaDialer(), a.Store, cfg.ReconnectInterval(), logger,
		live.WithResultLog(a.Navigator))

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.Live.Connect(runCtx)

	return a, nil
}

// provideOtelShutdown sets up OTLP tracing when enabled. The returned
// cleanup flushes pending spans.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	if !cfg.Tracing.Enabled {
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		logger.Warn("tracing setup failed", "error", err)
		return func() {}
	}

	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}
}

// provideDBPool creates a PostgreSQL connection pool and runs migrations.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, pool.Close, nil
}

// restoreCurrentSession applies the state-file session id and keeps the
// file in sync with future switches.
func restoreCurrentSession(store *session.Store, logger *slog.Logger) {
	if id, err := session.LoadCurrentSessionID(); err != nil {
		logger.Warn("failed to load current session state", "error", err)
	} else if id != nil {
		store.SwitchTo(*id)
	}

	store.Subscribe(func(snap session.Snapshot) {
		if snap.Current == uuid.Nil {
			if err := session.ClearCurrentSessionID(); err != nil {
				logger.Warn("failed to clear current session state", "error", err)
			}
			return
		}
		if err := session.SaveCurrentSessionID(snap.Current); err != nil {
			logger.Warn("failed to save current session state", "error", err)
		}
	})
}
