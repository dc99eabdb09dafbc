package export

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tabletalk/internal/session"
)

func sampleSession() *session.Session {
	return &session.Session{
		ID:        uuid.New(),
		Title:     "Revenue Deep Dive",
		CreatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Context:   []string{"orders", "customers"},
		Messages: []*session.Message{
			session.NewUserMessage("top 10 customers by revenue"),
			session.NewAssistantMessage("here you go", &session.AnalysisResult{
				Query: "SELECT name FROM customers LIMIT 10",
				Data:  []map[string]any{{"name": "acme"}},
			}),
		},
	}
}

func TestNewExporter(t *testing.T) {
	for _, format := range []string{"json", "yaml", "yml", "md", "markdown"} {
		if _, err := NewExporter(format); err != nil {
			t.Errorf("NewExporter(%q) error = %v", format, err)
		}
	}
	if _, err := NewExporter("pdf"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestJSONExportRoundTrip(t *testing.T) {
	doc := Snapshot(sampleSession())

	var buf bytes.Buffer
	if err := (&JSONExporter{}).Export(doc, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var decoded Document
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.SessionID != doc.SessionID || len(decoded.Messages) != 2 {
		t.Errorf("round trip lost data: %+v", decoded)
	}
}

func TestYAMLExport(t *testing.T) {
	doc := Snapshot(sampleSession())

	var buf bytes.Buffer
	if err := (&YAMLExporter{}).Export(doc, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if decoded["title"] != "Revenue Deep Dive" {
		t.Errorf("missing title in YAML output: %v", decoded)
	}
}

func TestMarkdownExport(t *testing.T) {
	doc := Snapshot(sampleSession())

	var buf bytes.Buffer
	if err := (&MarkdownExporter{}).Export(doc, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"# Revenue Deep Dive",
		"**Context:** orders, customers",
		"top 10 customers by revenue",
		"```sql",
		"SELECT name FROM customers LIMIT 10",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown output missing %q:\n%s", want, out)
		}
	}
}

func TestSnapshotIncludesContext(t *testing.T) {
	sess := sampleSession()
	doc := Snapshot(sess)

	if doc.Title != sess.Title || len(doc.Context) != 2 || len(doc.Messages) != 2 {
		t.Errorf("snapshot incomplete: %+v", doc)
	}
	if doc.ExportedAt.IsZero() {
		t.Error("snapshot must carry an export timestamp")
	}
}

func TestWriteFile(t *testing.T) {
	doc := Snapshot(sampleSession())
	path := filepath.Join(t.TempDir(), "exports", "session.json")

	if err := WriteFile(doc, &JSONExporter{}, path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	var decoded Document
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("export file is not valid JSON: %v", err)
	}

	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Error("lock file left behind")
	}
}
