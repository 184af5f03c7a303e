package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/zulandar/inkwell/internal/conversation"
)

// JSONExporter writes the conversation as one indented JSON document.
type JSONExporter struct{}

// Export writes c to w.
func (e *JSONExporter) Export(c *conversation.Conversation, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(newDocument(c)); err != nil {
		return fmt.Errorf("export: json: %w", err)
	}
	return nil
}

// Extension returns the file extension for this format.
func (e *JSONExporter) Extension() string { return "json" }

// JSONLExporter writes one JSON object per message.
type JSONLExporter struct{}

// Export writes c to w.
func (e *JSONLExporter) Export(c *conversation.Conversation, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, m := range transcript(c) {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("export: jsonl: %w", err)
		}
	}
	return nil
}

// Extension returns the file extension for this format.
func (e *JSONLExporter) Extension() string { return "jsonl" }
