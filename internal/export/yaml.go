package export

import (
	"fmt"
	"io"

	"github.com/zulandar/inkwell/internal/conversation"
	"gopkg.in/yaml.v3"
)

// YAMLExporter writes the conversation as a YAML document.
type YAMLExporter struct{}

// Export writes c to w.
func (e *YAMLExporter) Export(c *conversation.Conversation, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(newDocument(c)); err != nil {
		_ = enc.Close()
		return fmt.Errorf("export: yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("export: yaml: %w", err)
	}
	return nil
}

// Extension returns the file extension for this format.
func (e *YAMLExporter) Extension() string { return "yaml" }
