// Package log builds the loggers the rest of tabletalk injects through
// constructors. Nothing here is global; components receive a Logger and
// scope it with With("component", ...).
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger aliases *slog.Logger so call sites depend on the standard
// library type while construction stays in one place.
type Logger = *slog.Logger

// Config selects handler behavior.
type Config struct {
	Level     slog.Level // minimum level, default Info
	JSON      bool       // JSON handler instead of text
	AddSource bool       // annotate entries with file:line
}

// New returns a logger writing to stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter returns a logger writing to w. Tests use it to capture
// and inspect output.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewNop returns a logger that drops everything. Tests only.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
