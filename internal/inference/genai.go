package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/inkwell/internal/stream"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GenAIBackend calls the Gemini API directly.
type GenAIBackend struct {
	client *genai.Client
	log    *zap.Logger
}

// GenAIBackendOpts holds parameters for creating a GenAIBackend.
type GenAIBackendOpts struct {
	APIKey string
	Logger *zap.Logger
}

// NewGenAIBackend creates a GenAIBackend.
func NewGenAIBackend(ctx context.Context, opts GenAIBackendOpts) (*GenAIBackend, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("inference: genai backend: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("inference: genai client: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &GenAIBackend{client: client, log: log}, nil
}

// Contents maps the request history to genai contents.
func Contents(req Request) []*genai.Content {
	out := make([]*genai.Content, 0, len(req.Messages))
	for _, t := range req.Messages {
		var role genai.Role = genai.RoleUser
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(t.Text, role))
	}
	return out
}

// Config builds the generation config for req.
func Config(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if s := strings.TrimSpace(req.SystemInstruction); s != "" {
		cfg.SystemInstruction = genai.NewContentFromText(s, genai.RoleUser)
	}
	if req.WebSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return cfg
}

// Stream starts a streaming generation. The iterator is consumed lazily by
// the returned stream.
func (b *GenAIBackend) Stream(ctx context.Context, req Request) (stream.Stream, error) {
	b.log.Debug("genai stream", zap.String("model", req.Model), zap.Int("messages", len(req.Messages)))
	seq := b.client.Models.GenerateContentStream(ctx, req.Model, Contents(req), Config(req))
	return stream.NewResponseStream(seq), nil
}

// Generate performs a single non-streaming generation.
func (b *GenAIBackend) Generate(ctx context.Context, req Request) (string, error) {
	b.log.Debug("genai generate", zap.String("model", req.Model), zap.Int("messages", len(req.Messages)))
	resp, err := b.client.Models.GenerateContent(ctx, req.Model, Contents(req), Config(req))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
