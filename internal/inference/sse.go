package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zulandar/inkwell/internal/stream"
	"go.uber.org/zap"
)

// wireRequest is the JSON body of both chat endpoints.
type wireRequest struct {
	Model             string     `json:"model"`
	Messages          []Turn     `json:"messages"`
	SystemInstruction string     `json:"systemInstruction,omitempty"`
	Tools             []wireTool `json:"tools,omitempty"`
}

type wireTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

func toWire(req Request) wireRequest {
	w := wireRequest{
		Model:             req.Model,
		Messages:          req.Messages,
		SystemInstruction: req.SystemInstruction,
	}
	if w.Messages == nil {
		w.Messages = []Turn{}
	}
	if req.WebSearch {
		w.Tools = []wireTool{{GoogleSearch: &struct{}{}}}
	}
	return w
}

// SSEBackend calls a proxy server: POST <base>/chat/stream answers with a
// text/event-stream, POST <base>/chat with a single {text} object.
type SSEBackend struct {
	base string
	http *http.Client
	log  *zap.Logger
}

// SSEBackendOpts holds parameters for creating an SSEBackend.
type SSEBackendOpts struct {
	BaseURL    string
	HTTPClient *http.Client // must not time out mid-stream
	Logger     *zap.Logger
}

// NewSSEBackend creates an SSEBackend.
func NewSSEBackend(opts SSEBackendOpts) (*SSEBackend, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("inference: sse backend: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &SSEBackend{base: base, http: hc, log: log}, nil
}

func (b *SSEBackend) post(ctx context.Context, path string, req Request, accept string) (*http.Response, error) {
	data, err := json.Marshal(toWire(req))
	if err != nil {
		return nil, fmt.Errorf("inference: marshal request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inference: new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", accept)

	b.log.Debug("inference request", zap.String("path", path), zap.String("model", req.Model), zap.Int("messages", len(req.Messages)))
	resp, err := b.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// Stream posts req to the chat-stream endpoint.
func (b *SSEBackend) Stream(ctx context.Context, req Request) (stream.Stream, error) {
	resp, err := b.post(ctx, "/chat/stream", req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return stream.NewSSEStream(resp.Body), nil
}

// Generate posts req to the non-streaming chat endpoint.
func (b *SSEBackend) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := b.post(ctx, "/chat", req, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrRequestFailed, out.Error)
	}
	if out.Text == "" {
		return "", ErrEmptyResponse
	}
	return out.Text, nil
}
