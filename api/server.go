// Package api exposes the coordinator over HTTP REST endpoints.
//
// Endpoints:
//
//	GET    /health                      liveness probe
//	GET    /ready                       readiness probe
//	GET    /api/sessions                list sessions
//	POST   /api/sessions                create session
//	GET    /api/sessions/{id}           fetch one session
//	DELETE /api/sessions/{id}           delete session
//	POST   /api/sessions/{id}/switch    make session current
//	POST   /api/sessions/{id}/rename    rename session
//	POST   /api/sessions/{id}/clear     clear messages
//	PUT    /api/sessions/{id}/context   replace scoping context
//	GET    /api/sessions/{id}/export    export transcript
//	DELETE /api/sessions/{id}/messages/{messageID}  delete one message
//	POST   /api/ask                     run one ask round-trip
//	POST   /api/ask/stop                cancel in-flight ask
//	POST   /api/ask/retry               retry last user message
//	POST   /api/history/navigate        move the history cursor
//	POST   /api/history/select          jump the history cursor
//	POST   /api/history/clear           reset the history log
//
// File structure mirrors the endpoint groups: server.go owns lifecycle,
// middleware.go the request chain, response.go JSON helpers.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tabletalk/internal/coordinator"
	"tabletalk/internal/history"
	"tabletalk/internal/session"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout prevents Slowloris-style header dribbling.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	// Ask round-trips can be slow, so this exceeds the backend timeout.
	WriteTimeout = 120 * time.Second

	// IdleTimeout bounds keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for the REST API.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger

	health  *HealthHandler
	session *SessionHandler
	ask     *AskHandler
	history *HistoryHandler
}

// NewServer creates an HTTP server with all routes registered. pool may
// be nil when persistence is disabled; readiness then skips the ping.
func NewServer(store *session.Store, coord *coordinator.Coordinator, nav *history.Navigator, pool *pgxpool.Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:     mux,
		logger:  logger,
		health:  NewHealthHandler(pool, logger),
		session: NewSessionHandler(store, logger),
		ask:     NewAskHandler(store, coord, logger),
		history: NewHistoryHandler(nav, logger),
	}

	s.health.RegisterRoutes(mux)
	s.session.RegisterRoutes(mux)
	s.ask.RegisterRoutes(mux)
	s.history.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery -> logging -> handler.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
