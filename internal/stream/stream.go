// Package stream turns model backend responses into an ordered, single-pass
// sequence of events. Two wire shapes feed the same event model: a raw SSE
// byte stream of {text?, error?, done?} frames, and a framed iterator of
// genai model-response objects.
package stream

import "fmt"

// Kind identifies the variant of an Event.
type Kind int

const (
	KindTextDelta Kind = iota
	KindGrounding
	KindFinishReason
	KindDone
	KindError
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTextDelta:
		return "text"
	case KindGrounding:
		return "grounding"
	case KindFinishReason:
		return "finish"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one decoded stream item. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	Text string // KindTextDelta

	URI   string // KindGrounding
	Title string // KindGrounding

	Reason           string   // KindFinishReason
	SafetyCategories []string // KindFinishReason: blocked categories, if any

	Message string // KindError
}

// TextDelta builds a text delta event.
func TextDelta(text string) Event { return Event{Kind: KindTextDelta, Text: text} }

// Grounding builds a grounding source event.
func Grounding(uri, title string) Event { return Event{Kind: KindGrounding, URI: uri, Title: title} }

// FinishReason builds a finish-reason event.
func FinishReason(reason string, categories ...string) Event {
	return Event{Kind: KindFinishReason, Reason: reason, SafetyCategories: categories}
}

// Done builds the terminal success event.
func Done() Event { return Event{Kind: KindDone} }

// Error builds the terminal failure event.
func Error(message string) Event { return Event{Kind: KindError, Message: message} }

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

// Stream is a lazy, ordered, single-pass sequence of events. Next returns
// false once the terminal Done or Error event has been delivered. A stream
// cannot be restarted. Close releases the underlying reader and may be
// called at any time, more than once.
type Stream interface {
	Next() (Event, bool)
	Close() error
}

// Collect drains s and closes it, returning every event including the
// terminal one.
func Collect(s Stream) []Event {
	defer s.Close()
	var events []Event
	for {
		ev, ok := s.Next()
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}

// Text concatenates the text deltas of events.
func Text(events []Event) string {
	var n int
	for _, ev := range events {
		n += len(ev.Text)
	}
	buf := make([]byte, 0, n)
	for _, ev := range events {
		if ev.Kind == KindTextDelta {
			buf = append(buf, ev.Text...)
		}
	}
	return string(buf)
}

// sliceStream replays a fixed list of events. The list is expected to end
// with a terminal event; one is appended if missing.
type sliceStream struct {
	events []Event
	done   bool
}

// FromEvents returns a Stream replaying events. A Done event is appended
// when the list does not end with a terminal event.
func FromEvents(events ...Event) Stream {
	if len(events) == 0 || !events[len(events)-1].Terminal() {
		events = append(events, Done())
	}
	return &sliceStream{events: events}
}

func (s *sliceStream) Next() (Event, bool) {
	if s.done || len(s.events) == 0 {
		return Event{}, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	if ev.Terminal() {
		s.done = true
	}
	return ev, true
}

func (s *sliceStream) Close() error {
	s.done = true
	s.events = nil
	return nil
}
