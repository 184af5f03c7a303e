// Package inference talks to the model-inference collaborator. Two backends
// share one interface: the Gemini API through google.golang.org/genai, and a
// proxy server exposing an SSE chat-stream endpoint.
package inference

import (
	"context"
	"errors"

	"github.com/zulandar/inkwell/internal/stream"
)

var (
	// ErrRequestFailed wraps transport failures and non-success statuses.
	ErrRequestFailed = errors.New("inference: request failed")
	// ErrEmptyResponse is returned when a non-streaming call yields no text.
	ErrEmptyResponse = errors.New("inference: empty response")
)

// Role is the author of a history turn, in the model's vocabulary.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one history entry sent to the model.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is one inference call.
type Request struct {
	Model             string
	SystemInstruction string
	Messages          []Turn
	WebSearch         bool
}

// Backend produces model output for a Request.
type Backend interface {
	// Stream opens a streaming response. The caller must Close the stream.
	Stream(ctx context.Context, req Request) (stream.Stream, error)
	// Generate performs a single non-streaming request and returns its text.
	Generate(ctx context.Context, req Request) (string, error)
}
