// Package db embeds the schema migrations and applies them at startup.
package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx v5 driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// Migrate brings the schema up to date. connURL must use the postgres or
// postgresql scheme; it is rewritten to the pgx5:// scheme golang-migrate
// registers for the pgx v5 driver. A dirty schema aborts instead of
// layering more changes onto a half-applied state.
func Migrate(connURL string) error {
	m, err := newMigrator(connURL)
	if err != nil {
		return err
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("closing migrator", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema is dirty at version %d, resolve manually before starting", version)
	}

	switch err := m.Up(); {
	case err == nil:
		if v, _, vErr := m.Version(); vErr == nil {
			slog.Info("schema migrated", "version", v)
		}
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		slog.Debug("schema already up to date")
		return nil
	default:
		return fmt.Errorf("applying migrations: %w", err)
	}
}

func newMigrator(connURL string) (*migrate.Migrate, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		u.Scheme = "pgx5"
	default:
		return nil, fmt.Errorf("unsupported database URL scheme %q", u.Scheme)
	}

	src, err := iofs.New(schemaFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, u.String())
	if err != nil {
		return nil, fmt.Errorf("initializing migrator: %w", err)
	}
	return m, nil
}
