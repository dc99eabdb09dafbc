package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tabletalk/internal/history"
)

// HistoryHandler exposes the result history navigator.
type HistoryHandler struct {
	nav    *history.Navigator
	logger *slog.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(nav *history.Navigator, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{nav: nav, logger: logger}
}

// RegisterRoutes registers history routes on the given mux.
func (h *HistoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/history/navigate", h.navigate)
	mux.HandleFunc("POST /api/history/select", h.selectAt)
	mux.HandleFunc("POST /api/history/clear", h.clear)
}

// NavigateRequest selects the navigation direction: "prev" or "next".
type NavigateRequest struct {
	Direction string `json:"direction"`
}

func (h *HistoryHandler) navigate(w http.ResponseWriter, r *http.Request) {
	var req NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	var dir history.Direction
	switch req.Direction {
	case "prev":
		dir = history.Prev
	case "next":
		dir = history.Next
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", `direction must be "prev" or "next"`)
		return
	}

	entry, ok := h.nav.Navigate(dir)
	if !ok {
		writeError(w, http.StatusNotFound, "empty_history", "no recorded results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": entry.SessionID,
		"result":     entry.Result,
	})
}

// SelectRequest jumps the cursor to an index; out-of-range values clamp.
type SelectRequest struct {
	Index int `json:"index"`
}

func (h *HistoryHandler) selectAt(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	entry, ok := h.nav.SelectAt(req.Index)
	if !ok {
		writeError(w, http.StatusNotFound, "empty_history", "no recorded results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": entry.SessionID,
		"result":     entry.Result,
	})
}

func (h *HistoryHandler) clear(w http.ResponseWriter, _ *http.Request) {
	h.nav.Clear()
	w.WriteHeader(http.StatusNoContent)
}
