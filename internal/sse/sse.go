// Package sse decodes and encodes Server-Sent-Events frames of the form
// "data: <json>\n\n". The decoder is incremental: bytes may arrive split at
// any offset and an unterminated tail is carried into the next read.
package sse

import (
	"bytes"
	"errors"
	"io"

	ginsse "github.com/gin-contrib/sse"
)

// Decoder splits a byte stream into SSE frames and returns each frame's
// data payload. The zero value is ready to use.
type Decoder struct {
	buf     []byte
	pending bool // last fed byte was '\r'
}

// Feed appends p to the internal buffer and returns the payloads of every
// frame completed by it, in order. Frames without a data line are dropped.
func (d *Decoder) Feed(p []byte) [][]byte {
	d.buf = appendNormalized(d.buf, p, &d.pending)

	var out [][]byte
	for {
		i := bytes.Index(d.buf, []byte("\n\n"))
		if i < 0 {
			break
		}
		frame := d.buf[:i]
		if payload, ok := framePayload(frame); ok {
			out = append(out, payload)
		}
		d.buf = d.buf[i+2:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush decodes whatever is left in the buffer as a final, unterminated
// frame. It is called once the underlying stream is exhausted.
func (d *Decoder) Flush() [][]byte {
	rest := d.buf
	d.buf = nil
	d.pending = false
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	if payload, ok := framePayload(bytes.TrimRight(rest, "\n")); ok {
		return [][]byte{payload}
	}
	return nil
}

// Buffered reports how many bytes are waiting for a frame terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// appendNormalized appends p to dst converting "\r\n" and lone "\r" line
// endings to "\n". A trailing '\r' is remembered so a "\n" arriving in the
// next read is not doubled.
func appendNormalized(dst, p []byte, pending *bool) []byte {
	for _, b := range p {
		if *pending {
			*pending = false
			if b == '\n' {
				continue
			}
		}
		if b == '\r' {
			*pending = true
			dst = append(dst, '\n')
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// framePayload extracts and joins the data lines of one frame.
func framePayload(frame []byte) ([]byte, bool) {
	var (
		payload []byte
		found   bool
	)
	for _, line := range bytes.Split(frame, []byte("\n")) {
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		value, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if found {
			payload = append(payload, '\n')
		}
		payload = append(payload, value...)
		found = true
	}
	return payload, found
}

// ErrFrameTooLarge is returned by Reader.Next when a frame grows past
// MaxFrameSize without a terminator.
var ErrFrameTooLarge = errors.New("sse: frame too large")

// Reader yields payloads from an io.Reader one at a time.
type Reader struct {
	r       io.Reader
	dec     Decoder
	queue   [][]byte
	buf     []byte
	err     error
	flushed bool
}

const (
	// DefaultReadSize is the size of each read from the underlying reader.
	DefaultReadSize = 4096
	// MaxFrameSize caps the bytes buffered for one unterminated frame.
	MaxFrameSize = 4 << 20
)

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, DefaultReadSize)}
}

// Next returns the next payload. It returns io.EOF once the stream is
// exhausted and every buffered frame has been delivered; any other error
// is the transport error from the underlying reader.
func (r *Reader) Next() ([]byte, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			if !r.flushed {
				r.flushed = true
				if r.err == io.EOF {
					r.queue = append(r.queue, r.dec.Flush()...)
					continue
				}
			}
			return nil, r.err
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.queue = append(r.queue, r.dec.Feed(r.buf[:n])...)
		}
		if err != nil {
			r.err = err
		}
		if r.dec.Buffered() > MaxFrameSize {
			r.err = ErrFrameTooLarge
			r.flushed = true
		}
	}
	p := r.queue[0]
	r.queue = r.queue[1:]
	return p, nil
}

// Encode writes v as a single data frame.
func Encode(w io.Writer, v any) error {
	return ginsse.Encode(w, ginsse.Event{Data: v})
}

// EncodeEvent writes v as a named event frame.
func EncodeEvent(w io.Writer, event string, v any) error {
	return ginsse.Encode(w, ginsse.Event{Event: event, Data: v})
}
