package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Caller is the port the coordinator and enricher consume. Client is the
// production implementation; tests substitute fakes.
type Caller interface {
	Converse(ctx context.Context, req ConverseRequest) (*ConverseResponse, error)
	ExecuteQuery(ctx context.Context, req QueryRequest) (*QueryResult, error)
}

// Client is an HTTP Caller with per-call timeouts and client-side rate
// limiting.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	logger     *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client. Tests use this
// to point at an httptest server transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outgoing calls at rps requests per second with the
// given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates a backend client. timeout bounds each call; zero
// disables the per-call deadline.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		timeout:    timeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Converse sends the primary ask call.
func (c *Client) Converse(ctx context.Context, req ConverseRequest) (*ConverseResponse, error) {
	var resp ConverseResponse
	if err := c.post(ctx, "/v1/converse", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteQuery runs a deferred query follow-up.
func (c *Client) ExecuteQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	var result QueryResult
	if err := c.post(ctx, "/v1/query", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return mapContextErr(ctx, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return mapContextErr(ctx, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	c.logger.Debug("backend call",
		"path", path,
		"status", httpResp.StatusCode,
		"duration", time.Since(start))

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &CallError{
			Status: httpResp.StatusCode,
			Detail: readErrorDetail(httpResp.Body),
		}
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", ErrNetwork, err)
	}
	return nil
}

// mapContextErr translates transport and context failures into the
// sentinel taxonomy.
func mapContextErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

// readErrorDetail pulls a service-provided message out of an error body.
// Bodies that aren't the expected JSON shape yield an empty detail.
func readErrorDetail(r io.Reader) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}
