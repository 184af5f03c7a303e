// Package chat runs conversation turns: it streams model output into the
// pending assistant message, pulls embedded commands out of the text, and
// hands the resulting edit proposals and exec requests to their queues.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/inkwell/internal/command"
	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/execrun"
	"github.com/zulandar/inkwell/internal/inference"
	"github.com/zulandar/inkwell/internal/proposal"
	"github.com/zulandar/inkwell/internal/stream"
	"go.uber.org/zap"
)

// ErrTurnFailed is returned when a turn ended with an error message in
// place of a response.
var ErrTurnFailed = errors.New("chat: turn failed")

// Engine runs turns against a conversation store.
type Engine struct {
	store    *conversation.Store
	sessions *Registry
	backend  inference.Backend
	queue    *proposal.Queue
	runner   *execrun.Runner
	live     LiveEditSink
	observer Observer
	log      *zap.Logger

	model     string
	system    string
	webSearch bool
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Store    *conversation.Store
	Sessions *Registry // defaults to an empty registry
	Backend  inference.Backend
	Queue    *proposal.Queue // optional; proposals are only reported without it
	Runner   *execrun.Runner // optional; exec requests are only reported without it
	LiveEdit LiveEditSink    // optional
	Observer Observer        // optional; sees the events of every turn
	Logger   *zap.Logger

	Model             string
	SystemInstruction string
	WebSearch         bool
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("chat: engine: store is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("chat: engine: backend is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("chat: engine: model is required")
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:     opts.Store,
		sessions:  sessions,
		backend:   opts.Backend,
		queue:     opts.Queue,
		runner:    opts.Runner,
		live:      opts.LiveEdit,
		observer:  opts.Observer,
		log:       log,
		model:     opts.Model,
		system:    opts.SystemInstruction,
		webSearch: opts.WebSearch,
	}, nil
}

// Store returns the conversation store.
func (e *Engine) Store() *conversation.Store { return e.store }

// Sessions returns the session registry.
func (e *Engine) Sessions() *Registry { return e.sessions }

// NewConversation creates a conversation and its session. An empty model
// selects the engine default.
func (e *Engine) NewConversation(model string) conversation.Conversation {
	if strings.TrimSpace(model) == "" {
		model = e.model
	}
	c := e.store.New(model)
	e.sessions.Open(c.ID, model)
	e.log.Info("conversation created", zap.String("conversation", c.ID), zap.String("model", model))
	return c
}

// OpenSessions opens a session for every stored conversation that lacks
// one, such as conversations loaded from disk. It returns the number opened.
func (e *Engine) OpenSessions() int {
	n := 0
	for _, c := range e.store.List() {
		if _, ok := e.sessions.Get(c.ID); ok {
			continue
		}
		model := c.Model
		if model == "" {
			model = e.model
		}
		e.sessions.Open(c.ID, model)
		n++
	}
	return n
}

// ImportConversations merges convs into the store and opens their
// sessions. Replaced conversations keep their session, switched to the
// imported model. It returns the number imported.
func (e *Engine) ImportConversations(convs []conversation.Conversation) int {
	n := e.store.Import(convs)
	if n == 0 {
		return 0
	}
	for _, in := range convs {
		c, ok := e.store.Get(in.ID)
		if !ok || c.Model == "" {
			continue
		}
		if s, ok := e.sessions.Get(c.ID); ok {
			s.SetModel(c.Model)
		}
	}
	opened := e.OpenSessions()
	e.log.Info("conversations imported", zap.Int("count", n), zap.Int("sessions_opened", opened))
	return n
}

// DeleteConversation closes the session of id, releasing any open stream,
// and removes the conversation.
func (e *Engine) DeleteConversation(id string) error {
	if err := e.sessions.Close(id); err != nil && !errors.Is(err, ErrNoSession) {
		e.log.Warn("session close failed", zap.String("conversation", id), zap.Error(err))
	}
	if l, ok := e.live.(*LiveEdits); ok {
		l.Clear(id)
	}
	if err := e.store.Delete(id); err != nil {
		return err
	}
	e.log.Info("conversation deleted", zap.String("conversation", id))
	return nil
}

// SetModel switches the model of a conversation.
func (e *Engine) SetModel(id, model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("chat: set model: model is required")
	}
	s, ok := e.sessions.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	if err := e.store.Update(id, func(c *conversation.Conversation) error {
		c.Model = model
		return nil
	}); err != nil {
		return err
	}
	s.SetModel(model)
	return nil
}

// SendOpts holds per-turn parameters.
type SendOpts struct {
	// Observer sees the events of this turn only, after the engine observer.
	Observer Observer
}

// Turn is the outcome of Send.
type Turn struct {
	ConversationID string
	UserMessageID  string
	MessageID      string
	Text           string
	Failed         bool
	Fallback       bool
	Proposals      []command.EditProposal
	Execs          []execrun.Entry
	Skips          []command.Skip
}

// Send runs one turn: it appends text as a user message, streams the
// response into a pending assistant message and finalizes it. Rejected
// input is recorded as the conversation error and changes nothing else.
// A turn that ends in an error message returns ErrTurnFailed along with
// the Turn.
func (e *Engine) Send(ctx context.Context, convID, text string, opts SendOpts) (Turn, error) {
	sess, err := e.validate(convID, text)
	if err != nil {
		e.store.SetError(convID, err.Error())
		return Turn{}, err
	}

	t := &turn{
		e:    e,
		sess: sess,
		obs:  opts.Observer,
		res:  Turn{ConversationID: convID},
	}
	err = e.store.Update(convID, func(c *conversation.Conversation) error {
		uid, pid, err := c.StartTurn(text)
		if err != nil {
			return err
		}
		t.res.UserMessageID, t.res.MessageID = uid, pid
		t.req = e.request(c, sess.Model())
		return nil
	})
	if err != nil {
		e.store.SetError(convID, err.Error())
		return Turn{}, err
	}
	e.store.SetError(convID, "")

	t.log = e.log.With(zap.String("conversation", convID), zap.String("message", t.res.MessageID))
	t.log.Info("turn started", zap.String("model", t.req.Model), zap.Int("history", len(t.req.Messages)))
	return t.run(ctx)
}

func (e *Engine) validate(convID, text string) (*Session, error) {
	if strings.TrimSpace(text) == "" {
		return nil, conversation.ErrEmptyPrompt
	}
	if _, ok := e.store.Get(convID); !ok {
		return nil, fmt.Errorf("%w: %s", conversation.ErrUnknownConversation, convID)
	}
	sess, ok := e.sessions.Get(convID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, convID)
	}
	return sess, nil
}

// request builds the inference request from the transcript, leaving out
// the pending message and earlier error messages.
func (e *Engine) request(c *conversation.Conversation, model string) inference.Request {
	turns := make([]inference.Turn, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Pending || m.Error || strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := inference.RoleUser
		if m.Sender == conversation.SenderAssistant {
			role = inference.RoleModel
		}
		turns = append(turns, inference.Turn{Role: role, Text: m.Text})
	}
	return inference.Request{
		Model:             model,
		SystemInstruction: e.system,
		Messages:          turns,
		WebSearch:         e.webSearch,
	}
}

// turn is the state of one Send call.
type turn struct {
	e    *Engine
	sess *Session
	obs  Observer
	req  inference.Request
	log  *zap.Logger

	ex     command.Extractor
	deltas int
	fin    conversation.Finish
	res    Turn
}

func (t *turn) run(ctx context.Context) (Turn, error) {
	err := t.stream(ctx)
	switch {
	case errors.Is(err, ErrSessionClosed), errors.Is(err, conversation.ErrUnknownConversation):
		return t.fail(err)
	case t.deltas == 0 && conversation.Notice(t.fin) == "":
		if err != nil {
			t.log.Warn("stream failed, falling back", zap.Error(err))
		} else {
			t.log.Info("stream produced no text, falling back")
		}
		if err := t.fallback(ctx); err != nil {
			return t.fail(err)
		}
	case err != nil:
		t.log.Warn("stream broke after text, falling back", zap.Int("deltas", t.deltas), zap.Error(err))
		if err := t.reset(); err != nil {
			return t.fail(err)
		}
		if err := t.fallback(ctx); err != nil {
			return t.fail(err)
		}
	}
	return t.finish(ctx)
}

// stream consumes the backend stream. The returned error reports a stream
// that could not be opened or ended with an error event.
func (t *turn) stream(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := t.e.backend.Stream(sctx, t.req)
	if err != nil {
		return err
	}
	if err := t.sess.attach(st, cancel); err != nil {
		st.Close()
		return err
	}
	defer t.sess.detach()
	defer st.Close()

	var streamErr error
	for {
		ev, ok := st.Next()
		if !ok {
			break
		}
		switch ev.Kind {
		case stream.KindTextDelta:
			t.deltas++
			if err := t.feed(ev.Text); err != nil {
				return err
			}
		case stream.KindGrounding:
			if err := t.ground(conversation.Source{URI: ev.URI, Title: ev.Title}); err != nil {
				return err
			}
		case stream.KindFinishReason:
			t.fin = conversation.Finish{Reason: ev.Reason, SafetyCategories: ev.SafetyCategories}
		case stream.KindError:
			streamErr = fmt.Errorf("%w: %s", inference.ErrRequestFailed, ev.Message)
		}
	}
	if streamErr != nil && t.sess.isClosed() {
		return ErrSessionClosed
	}
	return streamErr
}

// reset drops the partial text of a broken stream along with the
// extractor state built from it.
func (t *turn) reset() error {
	err := t.e.store.Update(t.res.ConversationID, func(c *conversation.Conversation) error {
		return c.ResetTurn(t.res.MessageID)
	})
	if err != nil {
		return err
	}
	t.ex = command.Extractor{}
	t.fin = conversation.Finish{}
	t.emit(Event{Kind: EventReset})
	return nil
}

// fallback makes the single non-streaming request of a turn.
func (t *turn) fallback(ctx context.Context) error {
	t.res.Fallback = true
	text, err := t.e.backend.Generate(ctx, t.req)
	if err != nil {
		return err
	}
	return t.feed(text)
}

func (t *turn) feed(delta string) error {
	return t.apply(t.ex.Feed(delta))
}

// apply routes extractor spans: prose into the pending message, heredoc
// bodies to the live edit side-channel.
func (t *turn) apply(spans []command.Span) error {
	for _, sp := range spans {
		switch {
		case sp.State == command.Prose:
			err := t.e.store.Update(t.res.ConversationID, func(c *conversation.Conversation) error {
				return c.ApplyTextDelta(t.res.MessageID, sp.Text)
			})
			if err != nil {
				return err
			}
			t.emit(Event{Kind: EventDelta, Text: sp.Text})
		case sp.Kind == command.KindHeredoc:
			le := LiveEdit{ConversationID: t.res.ConversationID, File: sp.File, Body: sp.Body, Final: sp.State == command.Complete}
			if t.e.live != nil {
				t.e.live.LiveEdit(le)
			}
			t.emit(Event{Kind: EventLiveEdit, LiveEdit: &le})
		default:
			t.log.Debug("command block", zap.Stringer("kind", sp.Kind), zap.Stringer("state", sp.State))
		}
	}
	return nil
}

func (t *turn) ground(src conversation.Source) error {
	err := t.e.store.Update(t.res.ConversationID, func(c *conversation.Conversation) error {
		return c.ApplyGroundingSource(t.res.MessageID, src)
	})
	if err != nil {
		return err
	}
	if src.URI != "" {
		t.emit(Event{Kind: EventSource, Source: &src})
	}
	return nil
}

// finish extracts commands from the complete message, finalizes it and
// dispatches the commands.
func (t *turn) finish(ctx context.Context) (Turn, error) {
	res := t.ex.Finish()
	if err := t.apply(res.Spans); err != nil {
		return t.fail(err)
	}
	for _, s := range res.Skips {
		t.log.Warn("command block skipped", zap.Stringer("kind", s.Kind), zap.String("reason", s.Reason))
	}
	if u := res.Unterminated; u != nil {
		t.log.Warn("unterminated edit dropped", zap.String("file", u.File), zap.Int("bytes", len(u.Body)))
	}
	t.res.Skips = res.Skips

	err := t.e.store.Update(t.res.ConversationID, func(c *conversation.Conversation) error {
		if strings.TrimSpace(c.PendingText()) == "" {
			if s := commandSummary(res); s != "" {
				if err := c.ApplyTextDelta(t.res.MessageID, s); err != nil {
					return err
				}
			}
		}
		if err := c.FinalizeTurn(t.res.MessageID, t.fin); err != nil {
			return err
		}
		m, _ := c.Message(t.res.MessageID)
		t.res.Text = m.Text
		return nil
	})
	if err != nil {
		return t.fail(err)
	}
	t.log.Info("turn finished",
		zap.Int("deltas", t.deltas),
		zap.Bool("fallback", t.res.Fallback),
		zap.String("finish_reason", t.fin.Reason),
		zap.Int("edits", len(res.Edits)),
		zap.Int("execs", len(res.Execs)))
	t.emit(Event{Kind: EventFinished, Text: t.res.Text})

	t.res.Proposals = res.Edits
	if len(res.Edits) > 0 {
		if t.e.queue != nil {
			t.e.queue.Enqueue(res.Edits)
		}
		t.emit(Event{Kind: EventProposals, Proposals: res.Edits})
	}
	if len(res.Execs) > 0 {
		t.exec(ctx, res.Execs)
	}
	return t.res, nil
}

func (t *turn) exec(ctx context.Context, reqs []command.ExecRequest) {
	if t.e.runner == nil {
		t.log.Warn("exec requests ignored, no runner configured", zap.Int("count", len(reqs)))
		return
	}
	ids := t.e.runner.RunObserved(ctx, reqs, func(en execrun.Entry) {
		t.emit(Event{Kind: EventExec, Exec: &en})
	})
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, en := range t.e.runner.Entries() {
		if want[en.ID] {
			t.res.Execs = append(t.res.Execs, en)
		}
	}
}

// fail replaces the pending message with an error message.
func (t *turn) fail(cause error) (Turn, error) {
	msg := failureText(cause)
	err := t.e.store.Update(t.res.ConversationID, func(c *conversation.Conversation) error {
		return c.FailTurn(t.res.MessageID, msg)
	})
	if err != nil {
		t.log.Warn("turn failed on a removed conversation", zap.Error(cause))
		return t.res, fmt.Errorf("%w: %w", ErrTurnFailed, cause)
	}
	t.res.Failed = true
	t.res.Text = msg
	t.log.Warn("turn failed", zap.Error(cause))
	t.emit(Event{Kind: EventFailed, Error: msg})
	return t.res, fmt.Errorf("%w: %w", ErrTurnFailed, cause)
}

func (t *turn) emit(ev Event) {
	ev.ConversationID = t.res.ConversationID
	ev.MessageID = t.res.MessageID
	if t.e.observer != nil {
		t.e.observer(ev)
	}
	if t.obs != nil {
		t.obs(ev)
	}
}

// failureText is the transcript text of a failed turn.
func failureText(err error) string {
	switch {
	case errors.Is(err, conversation.ErrEmptyResponse), errors.Is(err, inference.ErrEmptyResponse):
		return "The model returned an empty response."
	case errors.Is(err, ErrSessionClosed):
		return "The conversation was closed before the response finished."
	default:
		return "Something went wrong while generating a response: " + err.Error()
	}
}

// commandSummary describes the commands of a message that has no prose.
func commandSummary(res command.Result) string {
	var parts []string
	if n := len(res.Edits); n > 0 {
		files := make([]string, 0, n)
		for _, p := range res.Edits {
			files = append(files, p.File)
		}
		parts = append(parts, "Proposed changes to "+strings.Join(files, ", ")+".")
	}
	if n := len(res.Execs); n == 1 {
		parts = append(parts, "Requested 1 command.")
	} else if n > 1 {
		parts = append(parts, fmt.Sprintf("Requested %d commands.", n))
	}
	return strings.Join(parts, " ")
}
