package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"tabletalk/internal/coordinator"
	"tabletalk/internal/session"
)

// MaxAskTextLength bounds the ask payload.
const MaxAskTextLength = 8192

// AskHandler exposes the coordinator's ask surface.
type AskHandler struct {
	store  *session.Store
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// NewAskHandler creates a new ask handler.
func NewAskHandler(store *session.Store, coord *coordinator.Coordinator, logger *slog.Logger) *AskHandler {
	return &AskHandler{store: store, coord: coord, logger: logger}
}

// RegisterRoutes registers ask routes on the given mux.
func (h *AskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ask", h.ask)
	mux.HandleFunc("POST /api/ask/stop", h.stop)
	mux.HandleFunc("POST /api/ask/retry", h.retry)
}

// AskRequest is the request body for an ask round-trip. SessionID is
// optional; empty means the current session.
type AskRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

func (h *AskHandler) ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text must not be empty")
		return
	}
	if len(req.Text) > MaxAskTextLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "text too long")
		return
	}

	id, ok := h.resolveSession(w, req.SessionID)
	if !ok {
		return
	}

	// Blocks until the round-trip resolves or is superseded. The
	// conversation outcome (result or error message) lands in the
	// session; the response returns the refreshed session.
	if err := h.coord.Ask(r.Context(), id, req.Text); err != nil {
		h.writeAskError(w, err)
		return
	}

	sess, err := h.store.Get(id)
	if err != nil {
		h.writeAskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// StopRequest identifies the session whose in-flight ask to cancel.
type StopRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

func (h *AskHandler) stop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	id, ok := h.resolveSession(w, req.SessionID)
	if !ok {
		return
	}

	h.coord.Stop(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AskHandler) retry(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	id, ok := h.resolveSession(w, req.SessionID)
	if !ok {
		return
	}

	if err := h.coord.RetryLast(r.Context(), id); err != nil {
		h.writeAskError(w, err)
		return
	}

	sess, err := h.store.Get(id)
	if err != nil {
		h.writeAskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// resolveSession maps an optional session id string to a known session,
// defaulting to the current one.
func (h *AskHandler) resolveSession(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	if raw == "" {
		id := h.store.Current()
		if id == uuid.Nil {
			writeError(w, http.StatusBadRequest, "no_session", "no current session")
			return uuid.Nil, false
		}
		return id, true
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "session id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *AskHandler) writeAskError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	h.logger.Error("ask failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "ask failed")
}
