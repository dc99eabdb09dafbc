package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"tabletalk/internal/export"
	"tabletalk/internal/session"
)

// SessionHandler handles session-related HTTP endpoints.
type SessionHandler struct {
	store  *session.Store
	logger *slog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(store *session.Store, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{store: store, logger: logger}
}

// RegisterRoutes registers session routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.list)
	mux.HandleFunc("POST /api/sessions", h.create)
	mux.HandleFunc("GET /api/sessions/{id}", h.get)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.delete)
	mux.HandleFunc("POST /api/sessions/{id}/switch", h.switchTo)
	mux.HandleFunc("POST /api/sessions/{id}/rename", h.rename)
	mux.HandleFunc("POST /api/sessions/{id}/clear", h.clear)
	mux.HandleFunc("PUT /api/sessions/{id}/context", h.setContext)
	mux.HandleFunc("GET /api/sessions/{id}/export", h.export)
	mux.HandleFunc("DELETE /api/sessions/{id}/messages/{messageID}", h.deleteMessage)
}

func (h *SessionHandler) list(w http.ResponseWriter, _ *http.Request) {
	sessions := h.store.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
		"current":  h.store.Current(),
	})
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	sess := h.store.Create(r.Context(), req.Title)
	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) switchTo(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	h.store.SwitchTo(id)
	writeJSON(w, http.StatusOK, map[string]any{"current": h.store.Current()})
}

// RenameSessionRequest is the request body for renaming a session.
type RenameSessionRequest struct {
	Title string `json:"title"`
}

func (h *SessionHandler) rename(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "title must not be empty")
		return
	}

	if err := h.store.Rename(r.Context(), id, req.Title); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) clear(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	if err := h.store.Clear(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetContextRequest is the request body for replacing a session's
// scoping targets.
type SetContextRequest struct {
	Context []string `json:"context"`
}

func (h *SessionHandler) setContext(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req SetContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if err := h.store.SetContext(r.Context(), id, req.Context); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) export(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	exporter, err := export.NewExporter(format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_format", err.Error())
		return
	}

	sess, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	doc := export.Snapshot(sess)
	w.Header().Set("Content-Disposition", `attachment; filename="session.`+exporter.Extension()+`"`)
	if err := exporter.Export(doc, w); err != nil {
		h.logger.Error("export failed", "session_id", id, "error", err)
	}
}

func (h *SessionHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	messageID, err := uuid.Parse(r.PathValue("messageID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "message id must be a UUID")
		return
	}

	if err := h.store.DeleteMessage(r.Context(), id, messageID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionID parses the {id} path value, writing a 400 on failure.
func (h *SessionHandler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "session id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *SessionHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, session.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "not_found", "message not found")
	default:
		h.logger.Error("store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "operation failed")
	}
}
