package export

import (
	"fmt"
	"io"
	"strings"
)

// MarkdownExporter writes the document as a readable transcript.
type MarkdownExporter struct{}

func (e *MarkdownExporter) Export(doc *Document, w io.Writer) error {
	_, _ = fmt.Fprintf(w, "# %s\n\n", doc.Title)
	_, _ = fmt.Fprintf(w, "**Session:** %s  \n", doc.SessionID)
	_, _ = fmt.Fprintf(w, "**Created:** %s  \n", doc.CreatedAt.Format("2006-01-02 15:04:05"))
	_, _ = fmt.Fprintf(w, "**Messages:** %d\n\n", len(doc.Messages))

	if len(doc.Context) > 0 {
		_, _ = fmt.Fprintf(w, "**Context:** %s\n\n", strings.Join(doc.Context, ", "))
	}

	_, _ = fmt.Fprintf(w, "---\n\n")

	for i, msg := range doc.Messages {
		role := string(msg.Role)
		if msg.Error {
			role += " (error)"
		}
		_, _ = fmt.Fprintf(w, "**%s** (%s)\n\n%s\n\n", role, msg.CreatedAt.Format("15:04:05"), msg.Content)

		if msg.Result != nil {
			if msg.Result.Query != "" {
				_, _ = fmt.Fprintf(w, "Query:\n\n```sql\n%s\n```\n\n", msg.Result.Query)
			}
			if len(msg.Result.Data) > 0 {
				_, _ = fmt.Fprintf(w, "%d row(s) attached.\n\n", len(msg.Result.Data))
			}
			if msg.Result.ErrorText != "" {
				_, _ = fmt.Fprintf(w, "> %s\n\n", msg.Result.ErrorText)
			}
		}

		if i < len(doc.Messages)-1 {
			_, _ = fmt.Fprintf(w, "---\n\n")
		}
	}

	return nil
}

func (e *MarkdownExporter) Extension() string {
	return "md"
}
