// Package session owns all conversation state: the set of sessions, their
// message sequences and scoping context, the current-session marker, and
// durable persistence behind the Repository port.
//
// The in-memory state is authoritative for the running process; persistence
// is best-effort and failures never surface to callers.
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Valid message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TitleMaxLength is the maximum length of a session title.
const TitleMaxLength = 120

// DefaultTitle is used when a session is created without a title.
const DefaultTitle = "New Session"

// AnalysisResult is the outcome of one conversational analysis round-trip.
// Produced by the coordinator/enricher, consumed read-only by the UI layer
// and the history navigator.
type AnalysisResult struct {
	Query          string            `json:"query"`
	Columns        []string          `json:"columns,omitempty"`
	Data           []map[string]any  `json:"data,omitempty"`
	Visualizations []json.RawMessage `json:"visualizations,omitempty"`
	ReportText     string            `json:"report_text,omitempty"`
	ErrorText      string            `json:"error_text,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Message is a single conversation message. Messages are immutable once
// appended; the only exceptions are deletion by id and the live-channel
// patch of the latest attached result.
type Message struct {
	ID        uuid.UUID         `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Error     bool              `json:"error,omitempty"`
	Result    *AnalysisResult   `json:"result,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewUserMessage builds a user message with a fresh id.
func NewUserMessage(content string) *Message {
	return &Message{
		ID:        uuid.New(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewAssistantMessage builds an assistant message carrying an optional result.
func NewAssistantMessage(content string, result *AnalysisResult) *Message {
	return &Message{
		ID:        uuid.New(),
		Role:      RoleAssistant,
		Content:   content,
		Result:    result,
		CreatedAt: time.Now(),
	}
}

// NewErrorMessage builds an assistant message flagged as an error.
// Content must already be a human-readable rendering of the failure.
func NewErrorMessage(content string) *Message {
	return &Message{
		ID:        uuid.New(),
		Role:      RoleAssistant,
		Content:   content,
		Error:     true,
		CreatedAt: time.Now(),
	}
}

// Session is an isolated conversation thread. Context holds the names of the
// scoping targets (e.g. table names) sent along with every ask.
type Session struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	Context   []string   `json:"context,omitempty"`
	Messages  []*Message `json:"messages"`
}

// clone returns a copy safe to hand out: slices are copied, message
// pointers are shared because messages are immutable after append.
func (s *Session) clone() *Session {
	cp := &Session{
		ID:        s.ID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		Context:   append([]string(nil), s.Context...),
		Messages:  append([]*Message(nil), s.Messages...),
	}
	return cp
}

// Snapshot is what subscribers receive after every committed mutation:
// the full session list in creation order plus the current session id.
type Snapshot struct {
	Sessions []*Session
	Current  uuid.UUID
}

// TruncateTitle clamps a title to TitleMaxLength runes.
func TruncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= TitleMaxLength {
		return title
	}
	return string(runes[:TitleMaxLength-3]) + "..."
}
