package stream

import (
	"iter"
	"sync"

	"google.golang.org/genai"
)

// responseStream adapts a genai response iterator. Each response expands to
// its text delta, its grounding sources and its finish reason, in that order.
type responseStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()

	queue    []Event
	finished bool

	stopOnce sync.Once
}

// NewResponseStream wraps seq, typically the result of
// Models.GenerateContentStream. The iterator is pulled lazily; Close stops it.
func NewResponseStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) Stream {
	next, stop := iter.Pull2(seq)
	return &responseStream{next: next, stop: stop}
}

func (s *responseStream) Next() (Event, bool) {
	for len(s.queue) == 0 {
		if s.finished {
			return Event{}, false
		}
		resp, err, ok := s.next()
		switch {
		case !ok:
			s.finish()
			return Done(), true
		case err != nil:
			s.finish()
			return Error(err.Error()), true
		}
		s.queue = ResponseEvents(resp)
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *responseStream) finish() {
	s.finished = true
	s.queue = nil
	s.Close()
}

func (s *responseStream) Close() error {
	s.stopOnce.Do(s.stop)
	return nil
}

// ResponseEvents flattens one model response into events. Only the first
// candidate is inspected.
func ResponseEvents(resp *genai.GenerateContentResponse) []Event {
	if resp == nil {
		return nil
	}
	var events []Event
	if text := resp.Text(); text != "" {
		events = append(events, TextDelta(text))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return events
	}
	cand := resp.Candidates[0]
	if gm := cand.GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			events = append(events, Grounding(chunk.Web.URI, chunk.Web.Title))
		}
	}
	if cand.FinishReason != "" {
		var blocked []string
		for _, r := range cand.SafetyRatings {
			if r != nil && r.Blocked {
				blocked = append(blocked, string(r.Category))
			}
		}
		events = append(events, FinishReason(string(cand.FinishReason), blocked...))
	}
	return events
}
