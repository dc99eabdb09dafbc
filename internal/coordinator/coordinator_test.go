package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"tabletalk/internal/backend"
	"tabletalk/internal/enrich"
	"tabletalk/internal/history"
	"tabletalk/internal/log"
	"tabletalk/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCaller implements backend.Caller with a pluggable handler.
type fakeCaller struct {
	mu       sync.Mutex
	requests []backend.ConverseRequest
	handler  func(ctx context.Context, req backend.ConverseRequest) (*backend.ConverseResponse, error)

	queryErr error
}

func (f *fakeCaller) Converse(ctx context.Context, req backend.ConverseRequest) (*backend.ConverseResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.handler(ctx, req)
}

func (f *fakeCaller) ExecuteQuery(_ context.Context, req backend.QueryRequest) (*backend.QueryResult, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &backend.QueryResult{Columns: []string{"c"}, Rows: []map[string]any{{"c": 1}}, RowCount: 1}, nil
}

func (f *fakeCaller) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestCoordinator(caller *fakeCaller) (*Coordinator, *session.Store, *history.Navigator) {
	store := session.New(nil, log.NewNop())
	nav := history.New(0, log.NewNop())
	enricher := enrich.New(caller, log.NewNop())
	return New(store, caller, enricher, nav, log.NewNop()), store, nav
}

func TestAskSuccessAppendsAndRecords(t *testing.T) {
	caller := &fakeCaller{handler: func(_ context.Context, req backend.ConverseRequest) (*backend.ConverseResponse, error) {
		return &backend.ConverseResponse{AnswerText: "there are 42", Query: "q"}, nil
	}}
	coord, store, nav := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")

	if err := coord.Ask(context.Background(), sess.ID, "how many rows"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	got, _ := store.Get(sess.ID)
	if len(got.Messages) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != session.RoleUser || got.Messages[0].Content != "how many rows" {
		t.Errorf("unexpected user message %+v", got.Messages[0])
	}
	if got.Messages[1].Role != session.RoleAssistant || got.Messages[1].Content != "there are 42" {
		t.Errorf("unexpected assistant message %+v", got.Messages[1])
	}
	if got.Messages[1].Result == nil {
		t.Fatal("assistant message must carry the result")
	}

	entry, ok := nav.Current()
	if !ok || entry.SessionID != sess.ID {
		t.Errorf("history not recorded for session: %+v ok=%v", entry, ok)
	}
}

func TestAskSendsSessionContext(t *testing.T) {
	caller := &fakeCaller{handler: func(_ context.Context, _ backend.ConverseRequest) (*backend.ConverseResponse, error) {
		return &backend.ConverseResponse{AnswerText: "ok"}, nil
	}}
	coord, store, _ := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")
	_ = store.SetContext(context.Background(), sess.ID, []string{"orders"})

	_ = coord.Ask(context.Background(), sess.ID, "hi")

	if len(caller.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(caller.requests))
	}
	req := caller.requests[0]
	if req.SessionID != sess.ID || len(req.Context) != 1 || req.Context[0] != "orders" {
		t.Errorf("request missing correlation or context: %+v", req)
	}
}

func TestAskFailureAppendsErrorMessage(t *testing.T) {
	caller := &fakeCaller{handler: func(_ context.Context, _ backend.ConverseRequest) (*backend.ConverseResponse, error) {
		return nil, &backend.CallError{Status: 500, Detail: "bad plan"}
	}}
	coord, store, nav := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")

	if err := coord.Ask(context.Background(), sess.ID, "hi"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	got, _ := store.Get(sess.ID)
	if len(got.Messages) != 2 {
		t.Fatalf("expected user+error messages, got %d", len(got.Messages))
	}
	last := got.Messages[1]
	if !last.Error {
		t.Error("expected error-flagged message")
	}
	if last.Content != "The analysis service reported an error: bad plan" {
		t.Errorf("expected human-readable text, got %q", last.Content)
	}
	if nav.Len() != 0 {
		t.Error("failures must not be recorded in history")
	}
}

func TestAskSupersedesInFlight(t *testing.T) {
	slowStarted := make(chan struct{})
	caller := &fakeCaller{handler: func(ctx context.Context, req backend.ConverseRequest) (*backend.ConverseResponse, error) {
		if req.Text == "top 10 customers" {
			close(slowStarted)
			<-ctx.Done()
			return nil, backend.ErrCancelled
		}
		return &backend.ConverseResponse{AnswerText: "columns: id, name", Query: "show columns"}, nil
	}}
	coord, store, _ := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")
	_ = store.Append(context.Background(), sess.ID, session.NewUserMessage("show tables"))

	done := make(chan error, 1)
	go func() {
		done <- coord.Ask(context.Background(), sess.ID, "top 10 customers")
	}()
	<-slowStarted

	if err := coord.Ask(context.Background(), sess.ID, "show columns"); err != nil {
		t.Fatalf("fast Ask() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("superseded Ask() error = %v", err)
	}

	got, _ := store.Get(sess.ID)
	contents := make([]string, len(got.Messages))
	for i, m := range got.Messages {
		contents[i] = m.Content
	}
	want := []string{"show tables", "top 10 customers", "show columns", "columns: id, name"}
	if len(contents) != len(want) {
		t.Fatalf("expected %v, got %v", want, contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("message %d: expected %q, got %q", i, want[i], contents[i])
		}
	}
}

func TestStaleSuccessIsDropped(t *testing.T) {
	slowStarted := make(chan struct{})
	caller := &fakeCaller{handler: func(ctx context.Context, req backend.ConverseRequest) (*backend.ConverseResponse, error) {
		if req.Text == "slow" {
			close(slowStarted)
			// Resolve successfully even though the attempt was superseded.
			<-ctx.Done()
			return &backend.ConverseResponse{AnswerText: "stale answer"}, nil
		}
		return &backend.ConverseResponse{AnswerText: "fresh answer"}, nil
	}}
	coord, store, nav := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")

	done := make(chan error, 1)
	go func() {
		done <- coord.Ask(context.Background(), sess.ID, "slow")
	}()
	<-slowStarted

	if err := coord.Ask(context.Background(), sess.ID, "fast"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("superseded Ask() error = %v", err)
	}

	got, _ := store.Get(sess.ID)
	for _, m := range got.Messages {
		if m.Content == "stale answer" {
			t.Fatal("stale completion mutated the store")
		}
	}
	if nav.Len() != 1 {
		t.Errorf("only the fresh result may be recorded, got %d entries", nav.Len())
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	releaseA := make(chan struct{})
	aStarted := make(chan struct{})
	caller := &fakeCaller{handler: func(ctx context.Context, req backend.ConverseRequest) (*backend.ConverseResponse, error) {
		if req.Text == "slow in a" {
			close(aStarted)
			select {
			case <-releaseA:
				return &backend.ConverseResponse{AnswerText: "a answer"}, nil
			case <-ctx.Done():
				return nil, backend.ErrCancelled
			}
		}
		return &backend.ConverseResponse{AnswerText: "b answer"}, nil
	}}
	coord, store, _ := newTestCoordinator(caller)
	a := store.Create(context.Background(), "a")
	b := store.Create(context.Background(), "b")

	done := make(chan error, 1)
	go func() {
		done <- coord.Ask(context.Background(), a.ID, "slow in a")
	}()
	<-aStarted

	if err := coord.Ask(context.Background(), b.ID, "in b"); err != nil {
		t.Fatalf("Ask(b) error = %v", err)
	}

	close(releaseA)
	if err := <-done; err != nil {
		t.Fatalf("Ask(a) error = %v", err)
	}

	gotA, _ := store.Get(a.ID)
	if len(gotA.Messages) != 2 || gotA.Messages[1].Content != "a answer" {
		t.Errorf("session a must complete despite traffic on b: %+v", gotA.Messages)
	}
}

func TestStopCancelsSilently(t *testing.T) {
	started := make(chan struct{})
	caller := &fakeCaller{handler: func(ctx context.Context, _ backend.ConverseRequest) (*backend.ConverseResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, backend.ErrCancelled
	}}
	coord, store, _ := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")

	done := make(chan error, 1)
	go func() {
		done <- coord.Ask(context.Background(), sess.ID, "hi")
	}()
	<-started

	coord.Stop(sess.ID)
	if err := <-done; err != nil {
		t.Fatalf("stopped Ask() error = %v", err)
	}

	got, _ := store.Get(sess.ID)
	if len(got.Messages) != 1 {
		t.Fatalf("cancellation must be silent, got %d messages", len(got.Messages))
	}
	if got.Messages[0].Role != session.RoleUser {
		t.Errorf("only the user message may remain, got %+v", got.Messages[0])
	}
}

func TestStopIdleSessionIsNoOp(t *testing.T) {
	caller := &fakeCaller{handler: func(_ context.Context, _ backend.ConverseRequest) (*backend.ConverseResponse, error) {
		return &backend.ConverseResponse{AnswerText: "ok"}, nil
	}}
	coord, store, _ := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")

	coord.Stop(sess.ID)

	// A fresh ask after a no-op stop still works.
	if err := coord.Ask(context.Background(), sess.ID, "hi"); err != nil {
		t.Fatalf("Ask() after idle Stop error = %v", err)
	}
	got, _ := store.Get(sess.ID)
	if len(got.Messages) != 2 {
		t.Errorf("expected normal flow after idle stop, got %d messages", len(got.Messages))
	}
}

func TestRetryLast(t *testing.T) {
	caller := &fakeCaller{handler: func(_ context.Context, _ backend.ConverseRequest) (*backend.ConverseResponse, error) {
		return &backend.ConverseResponse{AnswerText: "ok"}, nil
	}}
	coord, store, _ := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")

	_ = coord.Ask(context.Background(), sess.ID, "original question")
	if err := coord.RetryLast(context.Background(), sess.ID); err != nil {
		t.Fatalf("RetryLast() error = %v", err)
	}

	if caller.requestCount() != 2 {
		t.Fatalf("expected 2 backend calls, got %d", caller.requestCount())
	}
	if caller.requests[1].Text != "original question" {
		t.Errorf("retry must reuse the last user text, got %q", caller.requests[1].Text)
	}
}

func TestRetryLastEmptySessionIsNoOp(t *testing.T) {
	caller := &fakeCaller{handler: func(_ context.Context, _ backend.ConverseRequest) (*backend.ConverseResponse, error) {
		return &backend.ConverseResponse{AnswerText: "ok"}, nil
	}}
	coord, store, _ := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")

	if err := coord.RetryLast(context.Background(), sess.ID); err != nil {
		t.Fatalf("RetryLast() error = %v", err)
	}
	if caller.requestCount() != 0 {
		t.Errorf("no backend call expected, got %d", caller.requestCount())
	}
}

func TestAskUnknownSession(t *testing.T) {
	caller := &fakeCaller{handler: func(_ context.Context, _ backend.ConverseRequest) (*backend.ConverseResponse, error) {
		return &backend.ConverseResponse{AnswerText: "ok"}, nil
	}}
	coord, _, _ := newTestCoordinator(caller)

	if err := coord.Ask(context.Background(), uuid.New(), "hi"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestEnrichmentFailureStillAppends(t *testing.T) {
	caller := &fakeCaller{
		handler: func(_ context.Context, _ backend.ConverseRequest) (*backend.ConverseResponse, error) {
			return &backend.ConverseResponse{AnswerText: "here is the data", DeferredQuery: "SELECT 1"}, nil
		},
		queryErr: backend.ErrNetwork,
	}
	coord, store, _ := newTestCoordinator(caller)
	sess := store.Create(context.Background(), "t")

	if err := coord.Ask(context.Background(), sess.ID, "hi"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	got, _ := store.Get(sess.ID)
	last := got.Messages[len(got.Messages)-1]
	if last.Error {
		t.Error("enrichment failure must not produce an error message")
	}
	if last.Content != "here is the data" {
		t.Errorf("original answer must survive, got %q", last.Content)
	}
	if last.Result == nil || last.Result.ErrorText == "" {
		t.Errorf("expected error annotation on result, got %+v", last.Result)
	}
}
