// Package history keeps a global, append-only log of past analysis
// results with a movable cursor for back/forward navigation.
//
// The log is deliberately cross-session: results from every session land
// in one shared timeline, which is what the navigation surface exposes.
package history

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"tabletalk/internal/session"
)

// Direction selects which way Navigate moves the cursor.
type Direction int

const (
	// Prev moves the cursor toward older entries.
	Prev Direction = iota
	// Next moves the cursor toward newer entries.
	Next
)

// Entry wraps one recorded result with its originating session.
type Entry struct {
	SessionID uuid.UUID
	Result    *session.AnalysisResult
}

// Navigator is the bounded result log. The cursor always satisfies
// 0 <= cursor < len(log) while the log is non-empty; navigation clamps
// at both ends and never fails.
//
// Navigator is safe for concurrent use by multiple goroutines.
type Navigator struct {
	mu      sync.Mutex
	entries []Entry
	cursor  int
	limit   int

	logger *slog.Logger
}

// New creates a Navigator. limit bounds the log length; zero or negative
// means unbounded. logger may be nil.
func New(limit int, logger *slog.Logger) *Navigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Navigator{limit: limit, logger: logger}
}

// Record appends an entry and moves the cursor to it. When the log is at
// its limit the oldest entry is evicted first.
func (n *Navigator) Record(sessionID uuid.UUID, result *session.AnalysisResult) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.entries = append(n.entries, Entry{SessionID: sessionID, Result: result})
	if n.limit > 0 && len(n.entries) > n.limit {
		evicted := len(n.entries) - n.limit
		n.entries = append([]Entry(nil), n.entries[evicted:]...)
		n.logger.Debug("evicted history entries", "count", evicted)
	}
	n.cursor = len(n.entries) - 1
}

// Navigate moves the cursor one step and returns the entry at the new
// position. At either end the cursor stays put and the boundary entry is
// returned. An empty log returns (Entry{}, false).
func (n *Navigator) Navigate(dir Direction) (Entry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.entries) == 0 {
		return Entry{}, false
	}

	switch dir {
	case Prev:
		if n.cursor > 0 {
			n.cursor--
		}
	case Next:
		if n.cursor < len(n.entries)-1 {
			n.cursor++
		}
	}
	return n.entries[n.cursor], true
}

// SelectAt jumps the cursor to index, clamping out-of-range values into
// the valid range. An empty log returns (Entry{}, false).
func (n *Navigator) SelectAt(index int) (Entry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.entries) == 0 {
		return Entry{}, false
	}

	if index < 0 {
		index = 0
	}
	if index >= len(n.entries) {
		index = len(n.entries) - 1
	}
	n.cursor = index
	return n.entries[n.cursor], true
}

// ReplaceLatest swaps the result on the most recent entry recorded for
// sessionID. The live channel uses it to keep replayed entries in step
// with analysis updates. Reports whether a matching entry was found.
func (n *Navigator) ReplaceLatest(sessionID uuid.UUID, result *session.AnalysisResult) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := len(n.entries) - 1; i >= 0; i-- {
		if n.entries[i].SessionID == sessionID {
			n.entries[i].Result = result
			return true
		}
	}
	return false
}

// Current returns the entry under the cursor without moving it.
func (n *Navigator) Current() (Entry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.entries) == 0 {
		return Entry{}, false
	}
	return n.entries[n.cursor], true
}

// Len reports the number of recorded entries.
func (n *Navigator) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}

// Clear empties the log and resets the cursor.
func (n *Navigator) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = nil
	n.cursor = 0
}
