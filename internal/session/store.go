package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence port consumed by Store. Implemented by
// PostgresRepository; mocked in tests. Interfaces are defined by the
// consumer, not the provider.
type Repository interface {
	CreateSession(ctx context.Context, sess *Session) error
	RenameSession(ctx context.Context, sessionID uuid.UUID, title string) error
	DeleteSession(ctx context.Context, sessionID uuid.UUID) error
	SaveContext(ctx context.Context, sessionID uuid.UUID, targets []string) error
	AppendMessage(ctx context.Context, sessionID uuid.UUID, msg *Message) error
	DeleteMessage(ctx context.Context, sessionID, messageID uuid.UUID) error
	ClearMessages(ctx context.Context, sessionID uuid.UUID) error
	UpdateMessageResult(ctx context.Context, sessionID, messageID uuid.UUID, result *AnalysisResult) error
	LoadSessions(ctx context.Context, historyLimit int32) ([]*Session, error)
}

// Store is the single owner of all session data. Every mutation is
// serialized by its lock, committed in memory first, persisted
// best-effort, and then announced synchronously to subscribers.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	order    []uuid.UUID
	current  uuid.UUID

	repo   Repository // nil disables persistence
	logger *slog.Logger

	subMu  sync.Mutex
	subs   map[uint64]func(Snapshot)
	nextID uint64
}

// New creates a Store. repo may be nil (in-memory only); logger may be nil.
func New(repo Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[uuid.UUID]*Session),
		repo:     repo,
		logger:   logger,
		subs:     make(map[uint64]func(Snapshot)),
	}
}

// Load hydrates the store from the repository once at startup.
// historyLimit bounds the number of messages loaded per session.
// The current session defaults to the most recently created one.
func (s *Store) Load(ctx context.Context, historyLimit int32) error {
	if s.repo == nil {
		return nil
	}
	sessions, err := s.repo.LoadSessions(ctx, historyLimit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, sess := range sessions {
		if _, ok := s.sessions[sess.ID]; ok {
			continue
		}
		s.sessions[sess.ID] = sess
		s.order = append(s.order, sess.ID)
	}
	if s.current == uuid.Nil && len(s.order) > 0 {
		s.current = s.order[len(s.order)-1]
	}
	s.mu.Unlock()

	s.logger.Debug("hydrated sessions", "count", len(sessions))
	s.notify()
	return nil
}

// Create allocates a new empty session, makes it current and returns it.
// In-memory creation never fails; persistence is best-effort.
func (s *Store) Create(ctx context.Context, title string) *Session {
	if title == "" {
		title = DefaultTitle
	}
	sess := &Session{
		ID:        uuid.New(),
		Title:     TruncateTitle(title),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	s.current = sess.ID
	cp := sess.clone()
	s.mu.Unlock()

	s.persist(ctx, "create session", func(r Repository) error {
		return r.CreateSession(ctx, cp)
	})
	s.notify()
	return cp
}

// SwitchTo changes the current session. Unknown ids are a silent no-op;
// callers are expected to only pass known ids.
func (s *Store) SwitchTo(sessionID uuid.UUID) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	if ok {
		s.current = sessionID
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
}

// Current returns the current session id, or uuid.Nil when none exists.
func (s *Store) Current() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Get returns a copy of one session.
func (s *Store) Get(sessionID uuid.UUID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.clone(), nil
}

// List returns copies of all sessions in creation order.
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() []*Session {
	out := make([]*Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].clone())
	}
	return out
}

// Append inserts a message at the tail of the session's sequence.
// Messages are never reordered or mutated once appended.
func (s *Store) Append(ctx context.Context, sessionID uuid.UUID, msg *Message) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.Messages = append(sess.Messages, msg)
	s.mu.Unlock()

	// The durable sequence number is assigned by the repository against
	// the rows that actually exist there; the in-memory position can
	// diverge after deletes or a truncated hydration.
	s.persist(ctx, "append message", func(r Repository) error {
		return r.AppendMessage(ctx, sessionID, msg)
	})
	s.notify()
	return nil
}

// DeleteMessage removes one message by id. History entries already
// recorded are unaffected.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, messageID uuid.UUID) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	idx := -1
	for i, m := range sess.Messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	sess.Messages = append(sess.Messages[:idx], sess.Messages[idx+1:]...)
	s.mu.Unlock()

	s.persist(ctx, "delete message", func(r Repository) error {
		return r.DeleteMessage(ctx, sessionID, messageID)
	})
	s.notify()
	return nil
}

// Clear empties the session's message sequence. The session itself and any
// recorded history entries survive.
func (s *Store) Clear(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.Messages = nil
	s.mu.Unlock()

	s.persist(ctx, "clear messages", func(r Repository) error {
		return r.ClearMessages(ctx, sessionID)
	})
	s.notify()
	return nil
}

// Rename sets the session title.
func (s *Store) Rename(ctx context.Context, sessionID uuid.UUID, title string) error {
	title = TruncateTitle(title)

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.Title = title
	s.mu.Unlock()

	s.persist(ctx, "rename session", func(r Repository) error {
		return r.RenameSession(ctx, sessionID, title)
	})
	s.notify()
	return nil
}

// Delete removes a session and all its messages.
func (s *Store) Delete(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.current == sessionID {
		s.current = uuid.Nil
		if len(s.order) > 0 {
			s.current = s.order[len(s.order)-1]
		}
	}
	s.mu.Unlock()

	s.persist(ctx, "delete session", func(r Repository) error {
		return r.DeleteSession(ctx, sessionID)
	})
	s.notify()
	return nil
}

// SetContext replaces the session's scoping targets.
func (s *Store) SetContext(ctx context.Context, sessionID uuid.UUID, targets []string) error {
	cp := append([]string(nil), targets...)

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.Context = cp
	s.mu.Unlock()

	s.persist(ctx, "save context", func(r Repository) error {
		return r.SaveContext(ctx, sessionID, cp)
	})
	s.notify()
	return nil
}

// UpdateLatestResult replaces the result on the most recent message that
// carries one. Used by the live channel's analysis_update events.
func (s *Store) UpdateLatestResult(ctx context.Context, sessionID uuid.UUID, result *AnalysisResult) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	var target *Message
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Result != nil {
			target = sess.Messages[i]
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return ErrNoResult
	}
	target.Result = result
	messageID := target.ID
	s.mu.Unlock()

	s.persist(ctx, "update result", func(r Repository) error {
		return r.UpdateMessageResult(ctx, sessionID, messageID, result)
	})
	s.notify()
	return nil
}

// Subscribe registers a callback invoked synchronously after every
// committed mutation. The returned function unsubscribes.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// persist runs one repository write. Persistence failures are swallowed
// with a logged warning; the in-memory state stays authoritative.
func (s *Store) persist(ctx context.Context, op string, fn func(Repository) error) {
	if s.repo == nil {
		return
	}
	if err := fn(s.repo); err != nil {
		s.logger.Warn("persisting session state", "op", op, "error", err)
	}
}

// notify delivers a fresh snapshot to every subscriber. The snapshot is
// built under the store lock; callbacks run without it so a subscriber
// may call back into the store.
func (s *Store) notify() {
	s.mu.Lock()
	snap := Snapshot{Sessions: s.listLocked(), Current: s.current}
	s.mu.Unlock()

	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
