package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadStrings(ps [][]byte) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func TestDecoder_Feed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
		left  int
	}{
		{
			name:  "single frame",
			input: "data: {\"text\":\"hi\"}\n\n",
			want:  []string{`{"text":"hi"}`},
		},
		{
			name:  "two frames in one read",
			input: "data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}\n\n",
			want:  []string{`{"text":"a"}`, `{"text":"b"}`},
		},
		{
			name:  "incomplete tail is carried",
			input: "data: {\"text\":\"a\"}\n\ndata: {\"te",
			want:  []string{`{"text":"a"}`},
			left:  len("data: {\"te"),
		},
		{
			name:  "no space after colon",
			input: "data:{\"done\":true}\n\n",
			want:  []string{`{"done":true}`},
		},
		{
			name:  "crlf line endings",
			input: "data: {\"text\":\"a\"}\r\n\r\n",
			want:  []string{`{"text":"a"}`},
		},
		{
			name:  "comment and event lines ignored",
			input: ": keepalive\nevent: msg\ndata: x\n\n",
			want:  []string{"x"},
		},
		{
			name:  "multiple data lines joined",
			input: "data: a\ndata: b\n\n",
			want:  []string{"a\nb"},
		},
		{
			name:  "frame without data dropped",
			input: "event: ping\n\ndata: y\n\n",
			want:  []string{"y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			got := payloadStrings(d.Feed([]byte(tt.input)))
			if len(tt.want) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
			assert.Equal(t, tt.left, d.Buffered())
		})
	}
}

func TestDecoder_SplitAtEveryOffset(t *testing.T) {
	stream := "data: {\"text\":\"Hel\"}\n\ndata: {\"text\":\"lo \"}\r\n\r\ndata: {\"text\":\"world\"}\n\ndata: {\"done\":true}\n\n"

	var whole Decoder
	want := payloadStrings(whole.Feed([]byte(stream)))
	require.Len(t, want, 4)

	for i := 0; i <= len(stream); i++ {
		var d Decoder
		got := payloadStrings(d.Feed([]byte(stream[:i])))
		got = append(got, payloadStrings(d.Feed([]byte(stream[i:])))...)
		require.Equal(t, want, got, "split at offset %d", i)
	}
}

func TestDecoder_Flush(t *testing.T) {
	var d Decoder
	assert.Empty(t, d.Feed([]byte("data: last\n")))
	assert.Equal(t, []string{"last"}, payloadStrings(d.Flush()))
	assert.Zero(t, d.Buffered())
	assert.Empty(t, d.Flush())
}

func TestDecoder_FlushIgnoresGarbage(t *testing.T) {
	var d Decoder
	d.Feed([]byte("   \n"))
	assert.Empty(t, d.Flush())

	d.Feed([]byte("retry: 10"))
	assert.Empty(t, d.Flush())
}

// oneByteReader returns one byte per Read call.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReader_Next(t *testing.T) {
	input := "data: a\n\ndata: b\n\ndata: c"
	r := NewReader(oneByteReader{strings.NewReader(input)})

	var got []string
	for {
		p, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(p))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) > 0 {
		n := copy(p, f.data)
		f.data = f.data[n:]
		return n, nil
	}
	return 0, f.err
}

func TestReader_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewReader(&failingReader{data: []byte("data: a\n\ndata: partial"), err: boom})

	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", string(p))

	_, err = r.Next()
	assert.ErrorIs(t, err, boom)
}

func TestReader_FrameTooLarge(t *testing.T) {
	r := NewReader(io.MultiReader(
		strings.NewReader("data: a\n\ndata: "),
		strings.NewReader(strings.Repeat("x", MaxFrameSize+1)),
	))

	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", string(p))

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncode_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]any{"text": "hello"}))
	require.NoError(t, EncodeEvent(&buf, "delta", map[string]any{"done": true}))

	var d Decoder
	got := payloadStrings(d.Feed(buf.Bytes()))
	assert.Equal(t, []string{`{"text":"hello"}`, `{"done":true}`}, got)
}
