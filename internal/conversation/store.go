package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the application-state container for conversations. It keeps
// them newest first, records a per-conversation error state, and notifies
// subscribers after every mutation so persistence can run off the hot path.
type Store struct {
	mu     sync.RWMutex
	convs  map[string]*Conversation
	order  []string // newest first
	errors map[string]string

	subMu sync.RWMutex
	subs  []func()
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		convs:  make(map[string]*Conversation),
		errors: make(map[string]string),
	}
}

// OnChange registers fn to be called after each mutation. fn runs on the
// mutating goroutine and must not block.
func (s *Store) OnChange(fn func()) {
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

func (s *Store) notify() {
	s.subMu.RLock()
	subs := s.subs
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}

// New creates a conversation for model and puts it first.
func (s *Store) New(model string) Conversation {
	id := fmt.Sprintf("chat_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
	c := New(id, model)

	s.mu.Lock()
	s.convs[id] = c
	s.order = append([]string{id}, s.order...)
	out := c.Clone()
	s.mu.Unlock()

	s.notify()
	return out
}

// Get returns a snapshot of the conversation with id.
func (s *Store) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.Clone(), true
}

// List returns snapshots of every conversation, newest first.
func (s *Store) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.convs[id].Clone())
	}
	return out
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Delete removes the conversation with id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.convs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	delete(s.convs, id)
	delete(s.errors, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Update runs fn against the live conversation with id while holding the
// store lock. Subscribers are notified when fn succeeds.
func (s *Store) Update(id string, fn func(*Conversation) error) error {
	s.mu.Lock()
	c, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	err := fn(c)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// SetError records a conversation-level error, such as a rejected prompt.
// An empty msg clears it.
func (s *Store) SetError(id, msg string) {
	s.mu.Lock()
	if msg == "" {
		delete(s.errors, id)
	} else {
		s.errors[id] = msg
	}
	s.mu.Unlock()
}

// Error returns the recorded error for id, if any.
func (s *Store) Error(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errors[id]
}

// Load replaces the store contents with convs, in the given order. Invalid
// conversations are dropped; the number kept is returned.
func (s *Store) Load(convs []Conversation) int {
	valid := sanitize(convs)

	s.mu.Lock()
	s.convs = make(map[string]*Conversation, len(valid))
	s.errors = make(map[string]string)
	s.order = s.order[:0]
	for _, c := range valid {
		s.convs[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	s.mu.Unlock()

	s.notify()
	return len(valid)
}

// Import merges convs into the store. Conversations with a known id replace
// the stored one in place unless it has a turn pending; new ones are put
// first, keeping their relative order. Invalid conversations are dropped;
// the number imported is returned.
func (s *Store) Import(convs []Conversation) int {
	valid := sanitize(convs)
	if len(valid) == 0 {
		return 0
	}

	s.mu.Lock()
	var fresh []string
	n := 0
	for _, c := range valid {
		old, ok := s.convs[c.ID]
		if ok && old.pending != nil {
			continue
		}
		if !ok {
			fresh = append(fresh, c.ID)
		}
		s.convs[c.ID] = c
		n++
	}
	s.order = append(fresh, s.order...)
	s.mu.Unlock()

	if n > 0 {
		s.notify()
	}
	return n
}

// sanitize keeps conversations with an id and drops empty messages, which
// are placeholders left by an interrupted turn. Duplicate ids keep the
// first occurrence.
func sanitize(convs []Conversation) []*Conversation {
	seen := make(map[string]bool, len(convs))
	out := make([]*Conversation, 0, len(convs))
	for _, in := range convs {
		id := strings.TrimSpace(in.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		c := &Conversation{ID: id, Title: in.Title, Model: in.Model, Messages: []Message{}}
		if strings.TrimSpace(c.Title) == "" {
			c.Title = DefaultTitle
		}
		for _, m := range in.Messages {
			if strings.TrimSpace(m.Text) == "" {
				continue
			}
			if m.Sender != SenderUser && m.Sender != SenderAssistant {
				continue
			}
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			m.Pending = false
			m.Sources = append([]Source(nil), m.Sources...)
			c.Messages = append(c.Messages, m)
		}
		out = append(out, c)
	}
	return out
}
