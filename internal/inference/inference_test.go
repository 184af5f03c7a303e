package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/inkwell/internal/sse"
	"github.com/zulandar/inkwell/internal/stream"
	"google.golang.org/genai"
)

func fakeProxy(t *testing.T, got *wireRequest) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/chat/stream", func(c *gin.Context) {
		require.NoError(t, c.ShouldBindJSON(got))
		if got.Model == "broken" {
			c.String(http.StatusBadGateway, "upstream unavailable")
			return
		}
		c.Header("Content-Type", "text/event-stream")
		sse.Encode(c.Writer, gin.H{"text": "Hel"})
		sse.Encode(c.Writer, gin.H{"text": "lo"})
		sse.Encode(c.Writer, gin.H{"done": true})
	})
	r.POST("/api/chat", func(c *gin.Context) {
		require.NoError(t, c.ShouldBindJSON(got))
		switch got.Model {
		case "empty":
			c.JSON(http.StatusOK, gin.H{"text": ""})
		case "refuse":
			c.JSON(http.StatusOK, gin.H{"error": "quota exceeded"})
		default:
			c.JSON(http.StatusOK, gin.H{"text": "Hello (fallback)"})
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func testRequest(model string) Request {
	return Request{
		Model:             model,
		SystemInstruction: "You are Elira.",
		Messages:          []Turn{{Role: RoleUser, Text: "hi"}, {Role: RoleModel, Text: "hey"}, {Role: RoleUser, Text: "again"}},
		WebSearch:         true,
	}
}

func TestSSEBackend_Stream(t *testing.T) {
	var got wireRequest
	srv := fakeProxy(t, &got)
	b, err := NewSSEBackend(SSEBackendOpts{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)

	s, err := b.Stream(context.Background(), testRequest("gemini-2.5-pro"))
	require.NoError(t, err)
	events := stream.Collect(s)
	assert.Equal(t, "Hello", stream.Text(events))
	assert.Equal(t, stream.KindDone, events[len(events)-1].Kind)

	assert.Equal(t, "gemini-2.5-pro", got.Model)
	assert.Equal(t, "You are Elira.", got.SystemInstruction)
	assert.Len(t, got.Messages, 3)
	require.Len(t, got.Tools, 1)
	assert.NotNil(t, got.Tools[0].GoogleSearch)
}

func TestSSEBackend_StreamStatusError(t *testing.T) {
	var got wireRequest
	srv := fakeProxy(t, &got)
	b, err := NewSSEBackend(SSEBackendOpts{BaseURL: srv.URL + "/api/"})
	require.NoError(t, err)

	_, err = b.Stream(context.Background(), testRequest("broken"))
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "502 - upstream unavailable")
}

func TestSSEBackend_Generate(t *testing.T) {
	var got wireRequest
	srv := fakeProxy(t, &got)
	b, err := NewSSEBackend(SSEBackendOpts{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)

	text, err := b.Generate(context.Background(), testRequest("gemini"))
	require.NoError(t, err)
	assert.Equal(t, "Hello (fallback)", text)

	_, err = b.Generate(context.Background(), testRequest("empty"))
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = b.Generate(context.Background(), testRequest("refuse"))
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestNewSSEBackend_RequiresBaseURL(t *testing.T) {
	_, err := NewSSEBackend(SSEBackendOpts{BaseURL: "  "})
	assert.Error(t, err)
}

func TestToWire_NoSearch(t *testing.T) {
	w := toWire(Request{Model: "m"})
	assert.Empty(t, w.Tools)
	assert.NotNil(t, w.Messages)
}

func TestContentsAndConfig(t *testing.T) {
	req := testRequest("m")
	contents := Contents(req)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "hey", contents[1].Parts[0].Text)

	cfg := Config(req)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "You are Elira.", cfg.SystemInstruction.Parts[0].Text)
	require.Len(t, cfg.Tools, 1)
	assert.NotNil(t, cfg.Tools[0].GoogleSearch)

	cfg = Config(Request{})
	assert.Nil(t, cfg.SystemInstruction)
	assert.Empty(t, cfg.Tools)
}

func TestNewGenAIBackend_RequiresKey(t *testing.T) {
	_, err := NewGenAIBackend(context.Background(), GenAIBackendOpts{})
	assert.Error(t, err)
}
