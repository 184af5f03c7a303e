package chat

import (
	"sync"

	"github.com/zulandar/inkwell/internal/command"
	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/execrun"
)

// EventKind identifies a turn event.
type EventKind string

const (
	EventDelta     EventKind = "delta"
	EventReset     EventKind = "reset"
	EventSource    EventKind = "source"
	EventLiveEdit  EventKind = "live_edit"
	EventFinished  EventKind = "finished"
	EventFailed    EventKind = "failed"
	EventProposals EventKind = "proposals"
	EventExec      EventKind = "exec"
)

// Event is published while a turn runs. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind           EventKind              `json:"kind"`
	ConversationID string                 `json:"conversationId"`
	MessageID      string                 `json:"messageId,omitempty"`
	Text           string                 `json:"text,omitempty"`
	Source         *conversation.Source   `json:"source,omitempty"`
	LiveEdit       *LiveEdit              `json:"liveEdit,omitempty"`
	Proposals      []command.EditProposal `json:"proposals,omitempty"`
	Exec           *execrun.Entry         `json:"exec,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// Observer receives turn events on the turn's goroutine. It must not block.
type Observer func(Event)

// LiveEdit is the editor side-channel of a legacy heredoc edit: the body
// streamed so far, or the final body once Final is set.
type LiveEdit struct {
	ConversationID string `json:"conversationId"`
	File           string `json:"file"`
	Body           string `json:"body"`
	Final          bool   `json:"final"`
}

// LiveEditSink receives every live edit update.
type LiveEditSink interface {
	LiveEdit(LiveEdit)
}

// LiveEdits keeps the latest live edit of each conversation.
type LiveEdits struct {
	mu    sync.RWMutex
	edits map[string]LiveEdit
}

// NewLiveEdits creates an empty LiveEdits.
func NewLiveEdits() *LiveEdits {
	return &LiveEdits{edits: make(map[string]LiveEdit)}
}

// LiveEdit records e as the current edit of its conversation.
func (l *LiveEdits) LiveEdit(e LiveEdit) {
	l.mu.Lock()
	l.edits[e.ConversationID] = e
	l.mu.Unlock()
}

// Get returns the current edit of convID.
func (l *LiveEdits) Get(convID string) (LiveEdit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.edits[convID]
	return e, ok
}

// Clear forgets the edit of convID.
func (l *LiveEdits) Clear(convID string) {
	l.mu.Lock()
	delete(l.edits, convID)
	l.mu.Unlock()
}
