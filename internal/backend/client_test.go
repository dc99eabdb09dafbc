package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tabletalk/internal/log"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, timeout, log.NewNop())
}

func TestConverseSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/converse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer_text":"42 rows","deferred_query":"SELECT 1"}`))
	}, 0)

	resp, err := client.Converse(context.Background(), ConverseRequest{Text: "how many rows"})
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	if resp.AnswerText != "42 rows" {
		t.Errorf("unexpected answer %q", resp.AnswerText)
	}
	if resp.DeferredQuery != "SELECT 1" {
		t.Errorf("unexpected deferred query %q", resp.DeferredQuery)
	}
}

func TestConverseBackendError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"model overloaded"}`))
	}, 0)

	_, err := client.Converse(context.Background(), ConverseRequest{Text: "hi"})

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %v", err)
	}
	if callErr.Status != http.StatusBadGateway || callErr.Detail != "model overloaded" {
		t.Errorf("unexpected call error %+v", callErr)
	}
}

func TestConverseCancelled(t *testing.T) {
	started := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect
		// and cancels the request context.
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.Converse(ctx, ConverseRequest{Text: "hi"})
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestConverseTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}, 20*time.Millisecond)

	_, err := client.Converse(context.Background(), ConverseRequest{Text: "hi"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestConverseNetworkFailure(t *testing.T) {
	// Point at a closed server.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, 0, log.NewNop())
	_, err := client.Converse(context.Background(), ConverseRequest{Text: "hi"})
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestExecuteQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"columns":["id"],"rows":[{"id":1}],"row_count":1}`))
	}, 0)

	result, err := client.ExecuteQuery(context.Background(), QueryRequest{Query: "SELECT id FROM t"})
	if err != nil {
		t.Fatalf("ExecuteQuery() error = %v", err)
	}
	if result.RowCount != 1 || len(result.Columns) != 1 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", ErrTimeout, "The request timed out. Please try again."},
		{"network", ErrNetwork, "Could not reach the analysis service. Check your connection and try again."},
		{"backend detail", &CallError{Status: 500, Detail: "bad plan"}, "The analysis service reported an error: bad plan"},
		{"backend no detail", &CallError{Status: 500}, "The analysis service reported an error. Please try again."},
		{"unknown", errors.New("boom"), "Something went wrong while processing your request."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
