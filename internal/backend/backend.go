// Package backend talks to the conversational analysis service. It owns
// the request/response shapes, the failure taxonomy, and the HTTP client
// that maps transport failures onto it.
package backend

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ConverseRequest is the primary ask call payload. Context carries the
// session's scoping targets; SessionID is for correlation only.
type ConverseRequest struct {
	Text      string    `json:"text"`
	Context   []string  `json:"context,omitempty"`
	SessionID uuid.UUID `json:"session_id"`
}

// ConverseResponse is the raw answer before enrichment. DeferredQuery,
// when non-empty, names a query the service has not executed yet.
type ConverseResponse struct {
	AnswerText     string            `json:"answer_text"`
	Query          string            `json:"query,omitempty"`
	DeferredQuery  string            `json:"deferred_query,omitempty"`
	Columns        []string          `json:"columns,omitempty"`
	Data           []map[string]any  `json:"data,omitempty"`
	Visualizations []json.RawMessage `json:"visualizations,omitempty"`
	ReportText     string            `json:"report_text,omitempty"`
}

// QueryRequest is the deferred-query follow-up payload.
type QueryRequest struct {
	Query     string    `json:"query"`
	SessionID uuid.UUID `json:"session_id"`
}

// QueryResult is the tabular output of a deferred query.
type QueryResult struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}
