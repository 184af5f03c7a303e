package stream

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zulandar/inkwell/internal/sse"
)

// ssePayload is the JSON envelope carried by each chat-stream frame.
type ssePayload struct {
	Text  *string `json:"text"`
	Error *string `json:"error"`
	Done  bool    `json:"done"`
}

// sseStream decodes chat-stream frames from an HTTP response body.
type sseStream struct {
	body   io.ReadCloser
	reader *sse.Reader

	doneNext bool // a frame carried text and done together
	finished bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSSEStream decodes body as a text/event-stream of {text?, error?, done?}
// payloads. Frames holding malformed JSON are skipped without surfacing an
// error. A {done:true} payload or the end of the body yields Done; an
// {error} payload or a transport failure yields a terminal Error.
func NewSSEStream(body io.ReadCloser) Stream {
	return &sseStream{body: body, reader: sse.NewReader(body)}
}

// Next is not safe for concurrent use; Close may be called from another
// goroutine to abort a blocked read.
func (s *sseStream) Next() (Event, bool) {
	if s.finished {
		return Event{}, false
	}
	if s.closed.Load() {
		s.finished = true
		return Error("stream closed"), true
	}
	if s.doneNext {
		s.finish()
		return Done(), true
	}

	for {
		payload, err := s.reader.Next()
		if err != nil {
			aborted := s.closed.Load()
			s.finish()
			if errors.Is(err, io.EOF) {
				return Done(), true
			}
			if aborted {
				return Error("stream closed"), true
			}
			return Error(err.Error()), true
		}

		var p ssePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			continue
		}
		switch {
		case p.Error != nil:
			s.finish()
			return Error(*p.Error), true
		case p.Text != nil && *p.Text != "":
			s.doneNext = p.Done
			return TextDelta(*p.Text), true
		case p.Done:
			s.finish()
			return Done(), true
		}
	}
}

// finish marks the stream terminal and releases the body.
func (s *sseStream) finish() {
	s.finished = true
	s.Close()
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
