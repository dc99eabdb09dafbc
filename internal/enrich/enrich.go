// Package enrich turns raw backend responses into complete analysis
// results, executing at most one deferred-query follow-up per response.
package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tabletalk/internal/backend"
	"tabletalk/internal/session"
)

// QueryExecutor is the follow-up call port. Satisfied by backend.Client.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, req backend.QueryRequest) (*backend.QueryResult, error)
}

// Enricher merges deferred-query output into analysis results.
type Enricher struct {
	executor QueryExecutor
	logger   *slog.Logger
}

// New creates an Enricher. logger may be nil.
func New(executor QueryExecutor, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{executor: executor, logger: logger}
}

// Enrich builds the final AnalysisResult for a response. When the
// response carries a deferred query and no inline data, exactly one
// follow-up call executes it and its rows and columns are merged in.
//
// A failed follow-up never propagates: the original answer survives with
// ErrorText set so the textual part is still shown. There is no
// recursive enrichment.
func (e *Enricher) Enrich(ctx context.Context, sessionID uuid.UUID, resp *backend.ConverseResponse) *session.AnalysisResult {
	result := &session.AnalysisResult{
		Query:          resp.Query,
		Columns:        resp.Columns,
		Data:           resp.Data,
		Visualizations: resp.Visualizations,
		ReportText:     resp.ReportText,
		CreatedAt:      time.Now(),
	}
	if result.Query == "" {
		result.Query = resp.DeferredQuery
	}

	if resp.DeferredQuery == "" || len(resp.Data) > 0 {
		return result
	}

	queryResult, err := e.executor.ExecuteQuery(ctx, backend.QueryRequest{
		Query:     resp.DeferredQuery,
		SessionID: sessionID,
	})
	if err != nil {
		e.logger.Warn("deferred query failed",
			"session_id", sessionID,
			"error", err)
		result.ErrorText = "Could not load the data for this answer."
		return result
	}

	result.Columns = queryResult.Columns
	result.Data = queryResult.Rows
	return result
}
