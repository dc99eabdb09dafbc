// Package export produces serializable snapshots of sessions for
// download and inspection.
package export

import (
	"fmt"
	"io"
	"time"

	"tabletalk/internal/session"
)

// Document is the export snapshot: session metadata, selected context,
// and the full message list.
type Document struct {
	SessionID  string             `json:"session_id" yaml:"session_id"`
	Title      string             `json:"title" yaml:"title"`
	CreatedAt  time.Time          `json:"created_at" yaml:"created_at"`
	ExportedAt time.Time          `json:"exported_at" yaml:"exported_at"`
	Context    []string           `json:"context,omitempty" yaml:"context,omitempty"`
	Messages   []*session.Message `json:"messages" yaml:"messages"`
}

// Snapshot builds an export document from a session.
func Snapshot(sess *session.Session) *Document {
	return &Document{
		SessionID:  sess.ID.String(),
		Title:      sess.Title,
		CreatedAt:  sess.CreatedAt,
		ExportedAt: time.Now(),
		Context:    sess.Context,
		Messages:   sess.Messages,
	}
}

// Exporter writes a document in one format.
type Exporter interface {
	Export(doc *Document, w io.Writer) error
	Extension() string
}

// NewExporter returns the exporter for a format name.
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "json":
		return &JSONExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, yaml, md)", format)
	}
}
