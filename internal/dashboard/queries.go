package dashboard

import (
	"sort"

	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/execrun"
)

// ConversationRow is one line of the conversation list.
type ConversationRow struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Model    string `json:"model,omitempty"`
	Messages int    `json:"messages"`
	Pending  bool   `json:"pending"`
	Error    string `json:"error,omitempty"`
}

// ConversationList returns the stored conversations, newest first.
func ConversationList(store *conversation.Store) []ConversationRow {
	convs := store.List()
	rows := make([]ConversationRow, 0, len(convs))
	for _, c := range convs {
		_, pending := c.PendingID()
		rows = append(rows, ConversationRow{
			ID:       c.ID,
			Title:    c.Title,
			Model:    c.Model,
			Messages: len(c.Messages),
			Pending:  pending,
			Error:    store.Error(c.ID),
		})
	}
	return rows
}

// ConversationDetail is a conversation plus its last error.
type ConversationDetail struct {
	conversation.Conversation
	Error string `json:"error,omitempty"`
}

// GetConversation returns the detail of id.
func GetConversation(store *conversation.Store, id string) (*ConversationDetail, bool) {
	c, ok := store.Get(id)
	if !ok {
		return nil, false
	}
	return &ConversationDetail{Conversation: c, Error: store.Error(id)}, true
}

// ExecSummary counts exec entries by outcome.
type ExecSummary struct {
	Running int             `json:"running"`
	Done    int             `json:"done"`
	Failed  int             `json:"failed"`
	Entries []execrun.Entry `json:"entries"`
}

// SummarizeExec groups the runner entries.
func SummarizeExec(entries []execrun.Entry) ExecSummary {
	s := ExecSummary{Entries: entries}
	if s.Entries == nil {
		s.Entries = []execrun.Entry{}
	}
	for _, e := range entries {
		switch {
		case e.Failed:
			s.Failed++
		case e.Done:
			s.Done++
		default:
			s.Running++
		}
	}
	return s
}

// CachedFile is one core file held by the cache.
type CachedFile struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// CacheIndex lists the cached files by name.
func CacheIndex(snapshot map[string]string) []CachedFile {
	out := make([]CachedFile, 0, len(snapshot))
	for name, text := range snapshot {
		out = append(out, CachedFile{Name: name, Size: len(text)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
