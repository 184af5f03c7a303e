// Package conversation holds the chat transcript model and the turn
// lifecycle that mutates it: start a turn, stream deltas into the single
// pending assistant message, then finalize or fail it.
package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Errors callers branch on.
var (
	ErrTurnPending         = errors.New("conversation: a turn is already pending")
	ErrEmptyPrompt         = errors.New("conversation: prompt is empty")
	ErrUnknownConversation = errors.New("conversation: unknown conversation")
	ErrNotPending          = errors.New("conversation: message is not pending")
	ErrEmptyResponse       = errors.New("conversation: response is empty")
)

// DefaultTitle is the title of a conversation with no user message yet.
const DefaultTitle = "New Chat"

// TitleLength is the number of characters of the first user message kept
// in the conversation title.
const TitleLength = 40

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// UnmarshalText accepts the legacy persona sender name as an alias of
// assistant.
func (s *Sender) UnmarshalText(b []byte) error {
	switch v := Sender(strings.ToLower(string(b))); v {
	case SenderUser, SenderAssistant:
		*s = v
	case "elira", "model":
		*s = SenderAssistant
	default:
		return fmt.Errorf("conversation: unknown sender %q", string(b))
	}
	return nil
}

// Source is a grounding reference attached to an assistant message.
type Source struct {
	URI   string `json:"uri" yaml:"uri"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	ID      string   `json:"id" yaml:"id"`
	Sender  Sender   `json:"sender" yaml:"sender"`
	Text    string   `json:"text" yaml:"text"`
	Sources []Source `json:"sources,omitempty" yaml:"sources,omitempty"`
	Pending bool     `json:"pending,omitempty" yaml:"pending,omitempty"`
	Error   bool     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Finish carries the terminal signals of a stream.
type Finish struct {
	Reason           string
	SafetyCategories []string
}

// pendingTurn holds the streaming state of the pending assistant message.
// Text accumulates in a builder so each delta is an amortized O(1) append.
type pendingTurn struct {
	id   string
	idx  int
	text strings.Builder
	seen map[string]struct{}
}

// Conversation is a titled, ordered transcript. At most one assistant
// message is pending at a time. A Conversation is not safe for concurrent
// use; Store serialises access.
type Conversation struct {
	ID       string    `json:"id" yaml:"id"`
	Title    string    `json:"title" yaml:"title"`
	Messages []Message `json:"messages" yaml:"messages"`
	Model    string    `json:"model,omitempty" yaml:"model,omitempty"`

	pending *pendingTurn
}

// New returns an empty conversation for model.
func New(id, model string) *Conversation {
	return &Conversation{ID: id, Title: DefaultTitle, Messages: []Message{}, Model: model}
}

// PendingID returns the id of the pending assistant message.
func (c *Conversation) PendingID() (string, bool) {
	if c.pending == nil {
		return "", false
	}
	return c.pending.id, true
}

// PendingText returns the text streamed into the pending message so far.
func (c *Conversation) PendingText() string {
	if c.pending == nil {
		return ""
	}
	return c.pending.text.String()
}

// StartTurn appends the user message and an empty pending assistant
// message, returning both ids. It does nothing when a turn is pending or
// the text is blank.
func (c *Conversation) StartTurn(userText string) (userID, pendingID string, err error) {
	if c.pending != nil {
		return "", "", ErrTurnPending
	}
	if strings.TrimSpace(userText) == "" {
		return "", "", ErrEmptyPrompt
	}

	if !c.hasUserMessage() {
		c.Title = Title(userText)
	}

	userID = uuid.NewString()
	pendingID = uuid.NewString()
	c.Messages = append(c.Messages,
		Message{ID: userID, Sender: SenderUser, Text: userText},
		Message{ID: pendingID, Sender: SenderAssistant, Pending: true},
	)
	c.pending = &pendingTurn{id: pendingID, idx: len(c.Messages) - 1, seen: make(map[string]struct{})}
	return userID, pendingID, nil
}

func (c *Conversation) turn(pendingID string) (*pendingTurn, error) {
	if c.pending == nil || c.pending.id != pendingID {
		return nil, ErrNotPending
	}
	return c.pending, nil
}

// ApplyTextDelta appends delta to the pending message.
func (c *Conversation) ApplyTextDelta(pendingID, delta string) error {
	t, err := c.turn(pendingID)
	if err != nil {
		return err
	}
	t.text.WriteString(delta)
	return nil
}

// ApplyGroundingSource adds src to the pending message unless a source with
// the same URI is already attached.
func (c *Conversation) ApplyGroundingSource(pendingID string, src Source) error {
	t, err := c.turn(pendingID)
	if err != nil {
		return err
	}
	if src.URI == "" {
		return nil
	}
	if _, dup := t.seen[src.URI]; dup {
		return nil
	}
	t.seen[src.URI] = struct{}{}
	msg := &c.Messages[t.idx]
	msg.Sources = append(msg.Sources, src)
	return nil
}

// ResetTurn discards the text and sources streamed into the pending
// message so the turn can be regenerated from scratch.
func (c *Conversation) ResetTurn(pendingID string) error {
	t, err := c.turn(pendingID)
	if err != nil {
		return err
	}
	t.text.Reset()
	t.seen = make(map[string]struct{})
	c.Messages[t.idx].Sources = nil
	return nil
}

// FinalizeTurn trims the streamed text, appends an interruption notice for
// abnormal finish reasons and ends the turn. When the result would be empty
// the turn stays pending and ErrEmptyResponse is returned so the caller can
// fail it instead.
func (c *Conversation) FinalizeTurn(pendingID string, fin Finish) error {
	t, err := c.turn(pendingID)
	if err != nil {
		return err
	}
	text := strings.TrimRightFunc(t.text.String(), unicode.IsSpace)
	if notice := Notice(fin); notice != "" {
		if text != "" {
			text += "\n\n"
		}
		text += notice
	}
	if text == "" {
		return ErrEmptyResponse
	}

	msg := &c.Messages[t.idx]
	msg.Text = text
	msg.Pending = false
	c.pending = nil
	return nil
}

// FailTurn removes the pending message and appends a terminal assistant
// message carrying errText in its place.
func (c *Conversation) FailTurn(pendingID, errText string) error {
	t, err := c.turn(pendingID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(errText) == "" {
		errText = "Something went wrong while generating a response."
	}
	c.Messages = append(c.Messages[:t.idx], c.Messages[t.idx+1:]...)
	c.Messages = append(c.Messages, Message{
		ID:     uuid.NewString(),
		Sender: SenderAssistant,
		Text:   errText,
		Error:  true,
	})
	c.pending = nil
	return nil
}

// ParseJSON decodes conversations from a JSON document holding either one
// conversation object or an array of them.
func ParseJSON(data []byte) ([]Conversation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("conversation: parse: empty document")
	}
	if data[0] == '{' {
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("conversation: parse: %w", err)
		}
		return []Conversation{c}, nil
	}
	var convs []Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("conversation: parse: %w", err)
	}
	return convs, nil
}

// Message returns the message with id.
func (c *Conversation) Message(id string) (Message, bool) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

func (c *Conversation) hasUserMessage() bool {
	for _, m := range c.Messages {
		if m.Sender == SenderUser {
			return true
		}
	}
	return false
}

// Clone returns a deep copy with the pending message's streamed text
// materialised. The copy carries no pending turn state.
func (c *Conversation) Clone() Conversation {
	out := Conversation{ID: c.ID, Title: c.Title, Model: c.Model}
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Sources = append([]Source(nil), m.Sources...)
		out.Messages[i] = m
	}
	if c.pending != nil {
		out.Messages[c.pending.idx].Text = c.pending.text.String()
	}
	return out
}

// Title derives a conversation title from the first user message: the
// first TitleLength characters, with an ellipsis when truncated.
func Title(text string) string {
	r := []rune(text)
	if len(r) <= TitleLength {
		return text
	}
	return string(r[:TitleLength]) + "..."
}

// Notice returns the interruption notice for an abnormal finish, or "" for
// a normal stop.
func Notice(fin Finish) string {
	reason := NormalizeReason(fin.Reason)
	switch reason {
	case "", "stop", "unspecified":
		return ""
	}
	if isSafetyReason(reason) {
		if len(fin.SafetyCategories) == 0 {
			return fmt.Sprintf("[Response stopped for safety reasons (%s).]", readable(reason))
		}
		names := make([]string, len(fin.SafetyCategories))
		for i, c := range fin.SafetyCategories {
			names[i] = CategoryName(c)
		}
		return fmt.Sprintf("[Response stopped for safety reasons (%s): %s.]", readable(reason), strings.Join(names, ", "))
	}
	return fmt.Sprintf("[Response interrupted: %s.]", readable(reason))
}

// NormalizeReason lowercases a finish reason and strips the enum prefix.
func NormalizeReason(reason string) string {
	r := strings.ToLower(strings.TrimSpace(reason))
	return strings.TrimPrefix(r, "finish_reason_")
}

// CategoryName turns HARM_CATEGORY_HATE_SPEECH into "hate speech".
func CategoryName(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	c = strings.TrimPrefix(c, "harm_category_")
	return readable(c)
}

func readable(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}

func isSafetyReason(reason string) bool {
	switch reason {
	case "safety", "blocklist", "prohibited_content", "spii", "image_safety":
		return true
	}
	return false
}
