package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zulandar/inkwell/internal/stream"
)

var (
	// ErrNoSession is returned when a conversation has no open session.
	ErrNoSession = errors.New("chat: no session for conversation")
	// ErrSessionClosed is returned when a turn races a session teardown.
	ErrSessionClosed = errors.New("chat: session closed")
)

// Session is the runtime handle owned by one conversation: the model it
// talks to and the stream of the turn in flight, if any.
type Session struct {
	ConversationID string

	mu     sync.Mutex
	model  string
	open   stream.Stream
	cancel context.CancelFunc
	closed bool
}

// Model returns the model the session generates with.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel switches the model used by later turns.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}

// Streaming reports whether a turn stream is open.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open != nil
}

// attach records the stream of the turn in flight. It fails once the
// session has been closed.
func (s *Session) attach(st stream.Stream, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.open = st
	s.cancel = cancel
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) detach() {
	s.mu.Lock()
	s.open = nil
	s.cancel = nil
	s.mu.Unlock()
}

// Close releases the open stream reader, if any. Later turns fail with
// ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	st, cancel := s.open, s.cancel
	s.open, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if st != nil {
		return st.Close()
	}
	return nil
}

// Registry maps conversation ids to their sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open returns the session of convID, creating it with model when absent.
func (r *Registry) Open(convID, model string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[convID]; ok {
		return s
	}
	s := &Session{ConversationID: convID, model: model}
	r.sessions[convID] = s
	return s
}

// Get returns the session of convID.
func (r *Registry) Get(convID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[convID]
	return s, ok
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes and removes the session of convID.
func (r *Registry) Close(convID string) error {
	r.mu.Lock()
	s, ok := r.sessions[convID]
	delete(r.sessions, convID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, convID)
	}
	return s.Close()
}

// CloseAll closes every session. Used on shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
