// Package app provides application initialization and dependency
// wiring. App is the container that owns every long-lived component and
// tears them down in reverse order on Close.
package app

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"tabletalk/internal/backend"
	"tabletalk/internal/config"
	"tabletalk/internal/coordinator"
	"tabletalk/internal/history"
	"tabletalk/internal/live"
	"tabletalk/internal/session"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DBPool      *pgxpool.Pool
	Store       *session.Store
	Navigator   *history.Navigator
	Backend     backend.Caller
	Coordinator *coordinator.Coordinator
	Live        *live.Channel

	otelCleanup func()
	dbCleanup   func()
	cancel      context.CancelFunc
}

// Close gracefully shuts down all resources in reverse init order.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.Live != nil {
		a.Live.Disconnect()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.dbCleanup != nil {
		a.dbCleanup()
		a.Logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}
