// Package command detects structured commands embedded in streamed model
// output. Two grammars are recognised: marker-tagged JSON fences (edit
// proposals and exec requests), extracted once the message is complete, and
// the legacy EDIT_FILE heredoc, tracked incrementally so its body can be
// echoed live while it streams.
package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fence markers carried in the info string of a command fence.
const (
	EditMarker = "elira_edit"
	ExecMarker = "elira_exec"
)

// HeredocToken starts a legacy inline edit line.
const HeredocToken = "EDIT_FILE"

// DefaultSentinel terminates a heredoc that names no sentinel.
const DefaultSentinel = "EOF"

// WorkspacePrefix marks an edit target that lives in the uploaded-files
// workspace rather than among the core files.
const WorkspacePrefix = "workspace:"

// CoreFiles are the fixed file names a proposal may target without the
// workspace prefix.
var CoreFiles = []string{"diary.txt", "secretDiary.txt", "griffes.txt", "calendar.txt", "worldState.txt"}

// Mode selects how an edit proposal is applied.
type Mode string

const (
	ModeReplace Mode = "replace"
	ModePatch   Mode = "patch"
)

// EditProposal is a user-approvable change to one file.
type EditProposal struct {
	ID      string `json:"id" yaml:"id"`
	File    string `json:"file" yaml:"file"`
	Mode    Mode   `json:"mode" yaml:"mode"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
	Diff    string `json:"diff,omitempty" yaml:"diff,omitempty"`
	Note    string `json:"note,omitempty" yaml:"note,omitempty"`
}

// IsWorkspace reports whether the proposal targets a workspace file.
func (p EditProposal) IsWorkspace() bool {
	return strings.HasPrefix(p.File, WorkspacePrefix)
}

// WorkspaceName returns the file name without the workspace prefix, or the
// file unchanged for core targets.
func (p EditProposal) WorkspaceName() string {
	name, _ := strings.CutPrefix(p.File, WorkspacePrefix)
	return name
}

// ExecRequest asks the execution collaborator to run a shell command.
type ExecRequest struct {
	Cmd       string `json:"cmd" yaml:"cmd"`
	Cwd       string `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
}

// State classifies a span of streamed text.
type State int

const (
	// Prose is transcript text.
	Prose State = iota
	// Pending marks a command whose body is still streaming.
	Pending
	// Complete marks a command whose terminator has been seen.
	Complete
)

func (s State) String() string {
	switch s {
	case Prose:
		return "prose"
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind is the grammar a command span belongs to.
type Kind int

const (
	KindNone Kind = iota
	KindEdit
	KindExec
	KindHeredoc
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEdit:
		return "edit"
	case KindExec:
		return "exec"
	case KindHeredoc:
		return "heredoc"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Span is one unit of classifier output. Prose spans carry Text. Heredoc
// Pending spans carry the full live body so far; Complete spans carry the
// final body. Fence spans only mark boundaries; their payload is parsed by
// Finish.
type Span struct {
	State State
	Kind  Kind
	Text  string
	File  string
	Body  string
}

// Skip records a command block that was detected but dropped.
type Skip struct {
	Kind   Kind
	Reason string
}

// Unterminated describes a heredoc still open when the message ended.
type Unterminated struct {
	File string
	Body string
}

// Result is the outcome of a finished message.
type Result struct {
	// Spans emitted while finishing, or every span for Extract.
	Spans        []Span
	Edits        []EditProposal
	Execs        []ExecRequest
	Skips        []Skip
	Unterminated *Unterminated
}

// NewID returns an identifier made of the current unix milliseconds and a
// random suffix. It is unique within one process, not cryptographically.
func NewID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ProseText joins the text of every prose span.
func ProseText(spans []Span) string {
	var n int
	for _, s := range spans {
		if s.State == Prose {
			n += len(s.Text)
		}
	}
	buf := make([]byte, 0, n)
	for _, s := range spans {
		if s.State == Prose {
			buf = append(buf, s.Text...)
		}
	}
	return string(buf)
}

// Extract runs a complete text through a fresh Extractor.
func Extract(text string) Result {
	var e Extractor
	spans := e.Feed(text)
	res := e.Finish()
	res.Spans = mergeProse(append(spans, res.Spans...))
	return res
}
