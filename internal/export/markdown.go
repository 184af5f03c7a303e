package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/zulandar/inkwell/internal/conversation"
)

// MarkdownExporter writes a readable transcript.
type MarkdownExporter struct{}

// Export writes c to w.
func (e *MarkdownExporter) Export(c *conversation.Conversation, w io.Writer) error {
	bw := bufio.NewWriter(w)
	msgs := transcript(c)

	fmt.Fprintf(bw, "# %s\n\n", c.Title)
	fmt.Fprintf(bw, "**Conversation:** %s  \n", c.ID)
	if c.Model != "" {
		fmt.Fprintf(bw, "**Model:** %s  \n", c.Model)
	}
	fmt.Fprintf(bw, "**Messages:** %d\n\n---\n\n", len(msgs))

	for i, m := range msgs {
		label := senderLabel(m.Sender)
		if m.Error {
			label += " (error)"
		}
		fmt.Fprintf(bw, "**%s:**\n\n%s\n\n", label, escapeMarkdown(m.Text))
		if len(m.Sources) > 0 {
			bw.WriteString("Sources:\n\n")
			for _, s := range m.Sources {
				title := s.Title
				if title == "" {
					title = s.URI
				}
				fmt.Fprintf(bw, "- [%s](%s)\n", title, s.URI)
			}
			bw.WriteString("\n")
		}
		if i < len(msgs)-1 {
			bw.WriteString("---\n\n")
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export: markdown: %w", err)
	}
	return nil
}

// Extension returns the file extension for this format.
func (e *MarkdownExporter) Extension() string { return "md" }

func senderLabel(s conversation.Sender) string {
	if s == conversation.SenderUser {
		return "User"
	}
	return "Assistant"
}

// escapeMarkdown escapes emphasis markers outside fenced code blocks.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		line = strings.ReplaceAll(line, "**", `\*\*`)
		lines[i] = strings.ReplaceAll(line, "__", `\_\_`)
	}
	return strings.Join(lines, "\n")
}
