// Package live maintains the long-lived duplex connection to the
// analysis service. Incoming events are dispatched into the session
// store; the connection self-heals with fixed-interval reconnects.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tabletalk/internal/session"
)

// State is the connection lifecycle state. There is exactly one Channel
// per process and its state only moves through the reconnect loop.
type State int

const (
	// StateConnecting means a dial attempt is in progress or pending.
	StateConnecting State = iota
	// StateOpen means the connection is established and Send is valid.
	StateOpen
	// StateClosed means the connection is down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Send while the channel is not open.
var ErrNotConnected = errors.New("live channel not connected")

// Event types recognized by the dispatcher. Unknown types are ignored.
const (
	EventAnalysisUpdate = "analysis_update"
	EventMessage        = "message"
)

// Event is one incoming frame, discriminated by Type.
type Event struct {
	Type      string                  `json:"type"`
	SessionID uuid.UUID               `json:"session_id"`
	Content   string                  `json:"content,omitempty"`
	Result    *session.AnalysisResult `json:"result,omitempty"`
}

// Conn is the minimal duplex connection surface the channel needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens connections. Tests substitute fakes; production uses
// NewGorillaDialer.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Sink receives dispatched events. Satisfied by *session.Store.
type Sink interface {
	UpdateLatestResult(ctx context.Context, sessionID uuid.UUID, result *session.AnalysisResult) error
	Append(ctx context.Context, sessionID uuid.UUID, msg *session.Message) error
}

// ResultLog mirrors analysis updates into the navigation history so a
// replayed entry carries the refreshed result, not the superseded one.
// Satisfied by *history.Navigator.
type ResultLog interface {
	ReplaceLatest(sessionID uuid.UUID, result *session.AnalysisResult) bool
}

// Channel supervises the live connection. One goroutine owns the
// reconnect loop; all state transitions happen there or in Disconnect.
type Channel struct {
	url      string
	dialer   Dialer
	sink     Sink
	interval time.Duration
	logger   *slog.Logger

	onState   func(State)
	resultLog ResultLog

	mu              sync.Mutex
	state           State
	conn            Conn
	shouldReconnect bool
	started         bool

	// writeMu serializes frame writes; gorilla/websocket allows at most
	// one concurrent writer per connection.
	writeMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customizes a Channel.
type Option func(*Channel)

// WithStateListener registers a callback invoked on every state
// transition. The callback runs on the supervisor goroutine and must not
// block.
func WithStateListener(fn func(State)) Option {
	return func(c *Channel) { c.onState = fn }
}

// WithResultLog keeps the given log in step with analysis_update events.
func WithResultLog(log ResultLog) Option {
	return func(c *Channel) { c.resultLog = log }
}

// New creates a Channel. interval is the fixed reconnect delay; logger
// may be nil.
func New(url string, dialer Dialer, sink Sink, interval time.Duration, logger *slog.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		url:      url,
		dialer:   dialer,
		sink:     sink,
		interval: interval,
		logger:   logger,
		state:    StateClosed,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the supervisor goroutine. Repeated calls are a no-op.
// The loop runs until Disconnect is called or ctx is cancelled.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.shouldReconnect = true
	c.mu.Unlock()

	go c.run(ctx)
}

// Disconnect stops reconnecting, closes any open connection, and blocks
// until the supervisor goroutine exits. No further dial attempts occur
// after Disconnect returns. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	alreadyStopping := !c.shouldReconnect
	c.shouldReconnect = false
	conn := c.conn
	c.mu.Unlock()

	if !alreadyStopping {
		close(c.stopCh)
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-c.doneCh
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes a JSON payload. Valid only while Open; otherwise it
// returns ErrNotConnected without crashing.
func (c *Channel) Send(payload any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run is the reconnect loop: Connecting -> Open -> Closed -> wait ->
// Connecting, for as long as shouldReconnect holds. Failures keep
// re-scheduling at the fixed interval; there is no backoff.
func (c *Channel) run(ctx context.Context) {
	defer close(c.doneCh)

	for {
		if c.stopped(ctx) {
			c.setState(StateClosed)
			return
		}
		c.setState(StateConnecting)

		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			c.logger.Warn("live channel dial failed", "error", err)
			c.setState(StateClosed)
			if !c.waitInterval(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		if !c.shouldReconnect {
			c.mu.Unlock()
			_ = conn.Close()
			c.setState(StateClosed)
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.setState(StateOpen)
		c.logger.Info("live channel open")

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(StateClosed)

		if c.stopped(ctx) {
			return
		}
		c.logger.Warn("live channel closed, reconnecting", "interval", c.interval)
		if !c.waitInterval(ctx) {
			return
		}
	}
}

// readLoop pumps incoming frames until the connection errors.
func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(ctx, data)
	}
}

// dispatch routes one frame by its type tag. Unrecognized types are
// ignored; sink failures are logged, never fatal.
func (c *Channel) dispatch(ctx context.Context, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed live event", "error", err)
		return
	}

	switch ev.Type {
	case EventAnalysisUpdate:
		if ev.Result == nil {
			c.logger.Warn("analysis_update event without result")
			return
		}
		if err := c.sink.UpdateLatestResult(ctx, ev.SessionID, ev.Result); err != nil {
			c.logger.Warn("failed to apply analysis update", "session_id", ev.SessionID, "error", err)
			return
		}
		if c.resultLog != nil {
			c.resultLog.ReplaceLatest(ev.SessionID, ev.Result)
		}
	case EventMessage:
		msg := session.NewAssistantMessage(ev.Content, ev.Result)
		if err := c.sink.Append(ctx, ev.SessionID, msg); err != nil {
			c.logger.Warn("failed to append live message", "session_id", ev.SessionID, "error", err)
		}
	default:
		c.logger.Debug("ignoring unknown live event", "type", ev.Type)
	}
}

// waitInterval sleeps the fixed reconnect delay. Returns false when the
// channel was stopped during the wait.
func (c *Channel) waitInterval(ctx context.Context) bool {
	select {
	case <-time.After(c.interval):
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.shouldReconnect
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.onState != nil {
		c.onState(s)
	}
}
