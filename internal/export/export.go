// Package export renders a conversation transcript as JSON, JSON lines,
// YAML or Markdown.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/zulandar/inkwell/internal/conversation"
)

// Formats lists the accepted format names.
var Formats = []string{"json", "jsonl", "yaml", "md"}

// Exporter writes one conversation in a single format.
type Exporter interface {
	Export(c *conversation.Conversation, w io.Writer) error
	Extension() string
}

// NewExporter returns the exporter for format.
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONExporter{}, nil
	case "jsonl":
		return &JSONLExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	default:
		return nil, fmt.Errorf("export: unsupported format: %s (supported: %s)", format, strings.Join(Formats, ", "))
	}
}

// transcript drops the pending assistant placeholder, which has no
// content worth keeping.
func transcript(c *conversation.Conversation) []conversation.Message {
	out := make([]conversation.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Pending {
			continue
		}
		out = append(out, m)
	}
	return out
}

// document is the exported shape of a conversation.
type document struct {
	ID       string                 `json:"id" yaml:"id"`
	Title    string                 `json:"title" yaml:"title"`
	Model    string                 `json:"model,omitempty" yaml:"model,omitempty"`
	Messages []conversation.Message `json:"messages" yaml:"messages"`
}

func newDocument(c *conversation.Conversation) document {
	return document{ID: c.ID, Title: c.Title, Model: c.Model, Messages: transcript(c)}
}
