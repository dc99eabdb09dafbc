package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"tabletalk/internal/log"
	"tabletalk/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is an in-memory Conn fed by a frame channel.
type fakeConn struct {
	incoming chan []byte

	mu      sync.Mutex
	written [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// fakeDialer fails the first failures dials, then hands out fresh conns.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failures int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeSink records dispatched events.
type fakeSink struct {
	mu      sync.Mutex
	updates []uuid.UUID
	appends []*session.Message
	err     error
}

func (s *fakeSink) UpdateLatestResult(_ context.Context, sessionID uuid.UUID, _ *session.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, sessionID)
	return s.err
}

func (s *fakeSink) Append(_ context.Context, _ uuid.UUID, msg *session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, msg)
	return s.err
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates), len(s.appends)
}

// fakeResultLog records ReplaceLatest calls.
type fakeResultLog struct {
	mu       sync.Mutex
	replaced []uuid.UUID
}

func (l *fakeResultLog) ReplaceLatest(sessionID uuid.UUID, _ *session.AnalysisResult) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replaced = append(l.replaced, sessionID)
	return true
}

func (l *fakeResultLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.replaced)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReconnectAfterFailures(t *testing.T) {
	dialer := &fakeDialer{failures: 3}
	sink := &fakeSink{}

	var stateMu sync.Mutex
	var opens int
	ch := New("ws://test", dialer, sink, 5*time.Millisecond, log.NewNop(),
		WithStateListener(func(s State) {
			if s == StateOpen {
				stateMu.Lock()
				opens++
				stateMu.Unlock()
			}
		}))

	ch.Connect(context.Background())
	defer ch.Disconnect()

	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	if got := dialer.dialCount(); got != 4 {
		t.Errorf("expected 4 dial attempts (3 failures + 1 success), got %d", got)
	}
	stateMu.Lock()
	defer stateMu.Unlock()
	if opens != 1 {
		t.Errorf("expected exactly one Open transition, got %d", opens)
	}
}

func TestDisconnectStopsReconnectAttempts(t *testing.T) {
	dialer := &fakeDialer{failures: 1 << 30}
	ch := New("ws://test", dialer, &fakeSink{}, 5*time.Millisecond, log.NewNop())

	ch.Connect(context.Background())
	waitFor(t, "first dial", func() bool { return dialer.dialCount() >= 1 })

	ch.Disconnect()
	count := dialer.dialCount()

	time.Sleep(30 * time.Millisecond)
	if got := dialer.dialCount(); got != count {
		t.Errorf("dial attempts continued after disconnect: %d -> %d", count, got)
	}
	if ch.State() != StateClosed {
		t.Errorf("expected closed state after disconnect, got %s", ch.State())
	}
}

func TestDisconnectClosesOpenConnection(t *testing.T) {
	dialer := &fakeDialer{}
	ch := New("ws://test", dialer, &fakeSink{}, 5*time.Millisecond, log.NewNop())

	ch.Connect(context.Background())
	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	ch.Disconnect()
	count := dialer.dialCount()

	time.Sleep(30 * time.Millisecond)
	if got := dialer.dialCount(); got != count {
		t.Errorf("reconnected after disconnect: %d -> %d", count, got)
	}
}

func TestSendWhileNotOpen(t *testing.T) {
	ch := New("ws://test", &fakeDialer{}, &fakeSink{}, time.Millisecond, log.NewNop())

	err := ch.Send(map[string]string{"type": "ping"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendWhileOpen(t *testing.T) {
	dialer := &fakeDialer{}
	ch := New("ws://test", dialer, &fakeSink{}, time.Millisecond, log.NewNop())

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	if err := ch.Send(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	conn := dialer.lastConn()
	waitFor(t, "frame written", func() bool { return len(conn.writtenFrames()) == 1 })

	var frame map[string]string
	if err := json.Unmarshal(conn.writtenFrames()[0], &frame); err != nil {
		t.Fatalf("written frame is not JSON: %v", err)
	}
	if frame["type"] != "ping" {
		t.Errorf("unexpected frame %v", frame)
	}
}

// overlapConn flags WriteMessage calls that run concurrently.
type overlapConn struct {
	*fakeConn
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (c *overlapConn) WriteMessage(messageType int, data []byte) error {
	if c.inFlight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	c.inFlight.Add(-1)
	return c.fakeConn.WriteMessage(messageType, data)
}

// connDialer always hands out the same connection.
type connDialer struct{ conn Conn }

func (d *connDialer) Dial(_ context.Context, _ string) (Conn, error) {
	return d.conn, nil
}

func TestConcurrentSendsSerialized(t *testing.T) {
	conn := &overlapConn{fakeConn: newFakeConn()}
	ch := New("ws://test", &connDialer{conn: conn}, &fakeSink{}, time.Millisecond, log.NewNop())

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ch.Send(map[string]string{"type": "ping"})
		}()
	}
	wg.Wait()

	if conn.overlap.Load() {
		t.Error("frame writes overlapped; sends must be serialized")
	}
	if got := len(conn.writtenFrames()); got != 8 {
		t.Errorf("expected 8 frames written, got %d", got)
	}
}

func TestDispatchAnalysisUpdate(t *testing.T) {
	dialer := &fakeDialer{}
	sink := &fakeSink{}
	ch := New("ws://test", dialer, sink, time.Millisecond, log.NewNop())

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	sessionID := uuid.New()
	ev := Event{Type: EventAnalysisUpdate, SessionID: sessionID, Result: &session.AnalysisResult{Query: "q"}}
	data, _ := json.Marshal(ev)
	dialer.lastConn().incoming <- data

	waitFor(t, "update dispatched", func() bool {
		updates, _ := sink.counts()
		return updates == 1
	})
}

func TestDispatchAnalysisUpdateRefreshesResultLog(t *testing.T) {
	dialer := &fakeDialer{}
	sink := &fakeSink{}
	resultLog := &fakeResultLog{}
	ch := New("ws://test", dialer, sink, time.Millisecond, log.NewNop(),
		WithResultLog(resultLog))

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	sessionID := uuid.New()
	ev := Event{Type: EventAnalysisUpdate, SessionID: sessionID, Result: &session.AnalysisResult{Query: "q2"}}
	data, _ := json.Marshal(ev)
	dialer.lastConn().incoming <- data

	waitFor(t, "result log refreshed", func() bool { return resultLog.count() == 1 })
	resultLog.mu.Lock()
	replayed := resultLog.replaced[0]
	resultLog.mu.Unlock()
	if replayed != sessionID {
		t.Errorf("result log updated for %s, expected %s", replayed, sessionID)
	}

	// A failed sink update must not touch the log either.
	sink.mu.Lock()
	sink.err = errors.New("no result-bearing message")
	sink.mu.Unlock()
	dialer.lastConn().incoming <- data

	waitFor(t, "second update dispatched", func() bool {
		updates, _ := sink.counts()
		return updates == 2
	})
	if resultLog.count() != 1 {
		t.Errorf("result log refreshed despite sink failure: %d", resultLog.count())
	}
}

func TestDispatchMessageAppends(t *testing.T) {
	dialer := &fakeDialer{}
	sink := &fakeSink{}
	ch := New("ws://test", dialer, sink, time.Millisecond, log.NewNop())

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	ev := Event{Type: EventMessage, SessionID: uuid.New(), Content: "partial answer"}
	data, _ := json.Marshal(ev)
	dialer.lastConn().incoming <- data

	waitFor(t, "message dispatched", func() bool {
		_, appends := sink.counts()
		return appends == 1
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.appends[0].Role != session.RoleAssistant || sink.appends[0].Content != "partial answer" {
		t.Errorf("unexpected appended message %+v", sink.appends[0])
	}
}

func TestDispatchUnknownTypeIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	sink := &fakeSink{}
	ch := New("ws://test", dialer, sink, time.Millisecond, log.NewNop())

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	conn := dialer.lastConn()
	conn.incoming <- []byte(`{"type":"typing_indicator"}`)
	conn.incoming <- []byte(`not json at all`)

	// A recognized frame after the junk still gets through.
	ev := Event{Type: EventMessage, SessionID: uuid.New(), Content: "still alive"}
	data, _ := json.Marshal(ev)
	conn.incoming <- data

	waitFor(t, "later message dispatched", func() bool {
		_, appends := sink.counts()
		return appends == 1
	})

	updates, appends := sink.counts()
	if updates != 0 || appends != 1 {
		t.Errorf("unknown frames must be ignored: updates=%d appends=%d", updates, appends)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	dialer := &fakeDialer{}
	ch := New("ws://test", dialer, &fakeSink{}, time.Millisecond, log.NewNop())

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, "channel open", func() bool { return ch.State() == StateOpen })

	first := dialer.lastConn()
	_ = first.Close()

	waitFor(t, "reconnect", func() bool { return dialer.dialCount() >= 2 && ch.State() == StateOpen })
	if dialer.lastConn() == first {
		t.Error("expected a fresh connection after the drop")
	}
}
