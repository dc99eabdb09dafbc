// Package coordinator serializes ask traffic per session: at most one
// in-flight request per session, supersession cancels the predecessor,
// and stale completions never touch shared state.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tabletalk/internal/backend"
	"tabletalk/internal/enrich"
	"tabletalk/internal/history"
	"tabletalk/internal/session"
)

// attempt tracks one in-flight ask so a successor or Stop can cancel it.
type attempt struct {
	gen    uint64
	cancel context.CancelFunc
}

// Coordinator drives the ask flow: cancel predecessor, append the user
// message, call the service, enrich, then commit the outcome only if the
// attempt is still current.
//
// Coordinator is safe for concurrent use by multiple goroutines.
type Coordinator struct {
	store    *session.Store
	caller   backend.Caller
	enricher *enrich.Enricher
	history  *history.Navigator
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	gens     map[uuid.UUID]uint64
	inflight map[uuid.UUID]*attempt
}

// New creates a Coordinator. logger may be nil.
func New(store *session.Store, caller backend.Caller, enricher *enrich.Enricher, nav *history.Navigator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		caller:   caller,
		enricher: enricher,
		history:  nav,
		logger:   logger,
		tracer:   otel.Tracer("tabletalk/coordinator"),
		gens:     make(map[uuid.UUID]uint64),
		inflight: make(map[uuid.UUID]*attempt),
	}
}

// Ask runs one conversational round-trip for the session and blocks
// until it resolves or is superseded. Issuing a new Ask for the same
// session cancels the previous one; the cancelled call's completion is
// dropped without touching the store. Other sessions are unaffected.
//
// The user message is appended immediately. On success an assistant
// message carrying the enriched result is appended and the result is
// recorded in history. Cancellation is silent; any other failure appends
// an error-flagged assistant message with human-readable text.
func (c *Coordinator) Ask(ctx context.Context, sessionID uuid.UUID, text string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.ask",
		trace.WithAttributes(attribute.String("session.id", sessionID.String())))
	defer span.End()

	sess, err := c.store.Get(sessionID)
	if err != nil {
		return err
	}

	callCtx, gen := c.begin(ctx, sessionID)

	if err := c.store.Append(ctx, sessionID, session.NewUserMessage(text)); err != nil {
		c.finish(sessionID, gen)
		return err
	}

	resp, err := c.caller.Converse(callCtx, backend.ConverseRequest{
		Text:      text,
		Context:   sess.Context,
		SessionID: sessionID,
	})
	if err != nil {
		if errors.Is(err, backend.ErrCancelled) {
			c.logger.Debug("ask superseded", "session_id", sessionID, "gen", gen)
			c.finish(sessionID, gen)
			return nil
		}
		c.logger.Warn("ask failed", "session_id", sessionID, "error", err)
		c.commit(ctx, sessionID, gen, func(ctx context.Context) {
			msg := session.NewErrorMessage(backend.UserMessage(err))
			if appendErr := c.store.Append(ctx, sessionID, msg); appendErr != nil {
				c.logger.Warn("failed to append error message", "error", appendErr)
			}
		})
		return nil
	}

	result := c.enricher.Enrich(callCtx, sessionID, resp)

	c.commit(ctx, sessionID, gen, func(ctx context.Context) {
		msg := session.NewAssistantMessage(resp.AnswerText, result)
		if appendErr := c.store.Append(ctx, sessionID, msg); appendErr != nil {
			c.logger.Warn("failed to append assistant message", "error", appendErr)
			return
		}
		c.history.Record(sessionID, result)
	})
	return nil
}

// RetryLast re-issues Ask with the most recent user message text. It is
// a no-op when the session has no user message.
func (c *Coordinator) RetryLast(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return err
	}

	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == session.RoleUser {
			return c.Ask(ctx, sessionID, sess.Messages[i].Content)
		}
	}
	return nil
}

// Stop cancels the session's in-flight ask without starting a
// replacement. Idle sessions are a no-op.
func (c *Coordinator) Stop(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	att, ok := c.inflight[sessionID]
	if !ok {
		return
	}
	c.gens[sessionID]++
	att.cancel()
	delete(c.inflight, sessionID)
	c.logger.Debug("stopped in-flight ask", "session_id", sessionID)
}

// begin registers a new attempt, cancelling any predecessor for the same
// session, and returns the attempt's context and generation.
func (c *Coordinator) begin(ctx context.Context, sessionID uuid.UUID) (context.Context, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.inflight[sessionID]; ok {
		prev.cancel()
	}
	c.gens[sessionID]++
	gen := c.gens[sessionID]

	callCtx, cancel := context.WithCancel(ctx)
	c.inflight[sessionID] = &attempt{gen: gen, cancel: cancel}
	return callCtx, gen
}

// commit runs fn only if gen is still the session's current generation.
// Stale attempts are dropped silently. The lock is held across fn so a
// successor's begin cannot interleave with the commit; fn must not call
// back into the Coordinator.
func (c *Coordinator) commit(ctx context.Context, sessionID uuid.UUID, gen uint64, fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[sessionID] != gen {
		c.logger.Debug("dropping stale completion", "session_id", sessionID, "gen", gen)
		return
	}
	if att, ok := c.inflight[sessionID]; ok && att.gen == gen {
		att.cancel()
		delete(c.inflight, sessionID)
	}

	fn(ctx)
}

// finish releases a cancelled attempt's bookkeeping without committing.
func (c *Coordinator) finish(sessionID uuid.UUID, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if att, ok := c.inflight[sessionID]; ok && att.gen == gen {
		att.cancel()
		delete(c.inflight, sessionID)
	}
}
