package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/inkwell/internal/command"
	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/execrun"
	"github.com/zulandar/inkwell/internal/filestore"
	"github.com/zulandar/inkwell/internal/inference"
	"github.com/zulandar/inkwell/internal/proposal"
	"github.com/zulandar/inkwell/internal/stream"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// opencensus, pulled in by the genai SDK, starts a stats worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeBackend replays one scripted stream per Stream call.
type fakeBackend struct {
	mu       sync.Mutex
	streams  []func() (stream.Stream, error)
	gen      func() (string, error)
	reqs     []inference.Request
	genCalls int
}

func (b *fakeBackend) Stream(_ context.Context, req inference.Request) (stream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	if len(b.streams) == 0 {
		return stream.FromEvents(), nil
	}
	next := b.streams[0]
	b.streams = b.streams[1:]
	return next()
}

func (b *fakeBackend) Generate(_ context.Context, req inference.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.genCalls++
	if b.gen == nil {
		return "", inference.ErrEmptyResponse
	}
	return b.gen()
}

func events(evs ...stream.Event) func() (stream.Stream, error) {
	return func() (stream.Stream, error) { return stream.FromEvents(evs...), nil }
}

func deltas(parts ...string) func() (stream.Stream, error) {
	evs := make([]stream.Event, 0, len(parts)+1)
	for _, p := range parts {
		evs = append(evs, stream.TextDelta(p))
	}
	return events(append(evs, stream.Done())...)
}

type nopFileStore struct{}

func (nopFileStore) WriteCore(context.Context, string, string, filestore.Commit) error { return nil }
func (nopFileStore) ApplyDiff(context.Context, string, string, filestore.Commit) error { return nil }
func (nopFileStore) Upload(context.Context, string, io.Reader) error                  { return nil }

type cannedOpener map[string]string

func (o cannedOpener) Open(_ context.Context, req command.ExecRequest) (io.ReadCloser, error) {
	body, ok := o[req.Cmd]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", req.Cmd)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type recordSink struct {
	mu    sync.Mutex
	edits []LiveEdit
}

func (r *recordSink) LiveEdit(e LiveEdit) {
	r.mu.Lock()
	r.edits = append(r.edits, e)
	r.mu.Unlock()
}

type harness struct {
	engine  *Engine
	backend *fakeBackend
	queue   *proposal.Queue
	live    *recordSink
	events  []Event
	conv    string
}

func newHarness(t *testing.T, b *fakeBackend) *harness {
	t.Helper()
	h := &harness{backend: b, live: &recordSink{}}
	q, err := proposal.NewQueue(proposal.QueueOpts{Store: nopFileStore{}})
	require.NoError(t, err)
	h.queue = q
	runner, err := execrun.NewRunner(execrun.RunnerOpts{Opener: cannedOpener{
		"node -v": "data: {\"out\":\"v20.11.0\\n\"}\n\ndata: {\"done\":true}\n\n",
	}})
	require.NoError(t, err)

	h.engine, err = NewEngine(EngineOpts{
		Store:             conversation.NewStore(),
		Backend:           b,
		Queue:             q,
		Runner:            runner,
		LiveEdit:          h.live,
		Observer:          func(ev Event) { h.events = append(h.events, ev) },
		Model:             "gemini-2.5-pro",
		SystemInstruction: "You are Elira.",
		WebSearch:         true,
	})
	require.NoError(t, err)
	h.conv = h.engine.NewConversation("").ID
	return h
}

func (h *harness) conversation(t *testing.T) conversation.Conversation {
	t.Helper()
	c, ok := h.engine.Store().Get(h.conv)
	require.True(t, ok)
	return c
}

func (h *harness) kinds(kind EventKind) []Event {
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func assertNoEmptyAssistant(t *testing.T, c conversation.Conversation) {
	t.Helper()
	for _, m := range c.Messages {
		if m.Sender == conversation.SenderAssistant {
			assert.NotEmpty(t, strings.TrimSpace(m.Text), "empty assistant message %s", m.ID)
			assert.False(t, m.Pending)
		}
	}
}

func TestSend_StreamedDeltas(t *testing.T) {
	h := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){deltas("Hel", "lo ", "world")}})

	turn, err := h.engine.Send(context.Background(), h.conv, "Say hello", SendOpts{})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", turn.Text)
	assert.False(t, turn.Failed)
	assert.False(t, turn.Fallback)

	c := h.conversation(t)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "Say hello", c.Title)
	msg := c.Messages[1]
	assert.Equal(t, turn.MessageID, msg.ID)
	assert.Equal(t, "Hello world", msg.Text)
	assert.False(t, msg.Pending)
	_, pending := c.PendingID()
	assert.False(t, pending)

	var streamed string
	for _, ev := range h.kinds(EventDelta) {
		streamed += ev.Text
	}
	assert.Equal(t, "Hello world", streamed)
	require.Len(t, h.kinds(EventFinished), 1)
	assert.Equal(t, 0, h.backend.genCalls)
}

func TestSend_GranularityIndependent(t *testing.T) {
	const text = "Good morning!\nThe tea is ready.\n\nShall we walk?"
	whole := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){deltas(text)}})
	perChar := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){deltas(strings.Split(text, "")...)}})

	a, err := whole.engine.Send(context.Background(), whole.conv, "hi", SendOpts{})
	require.NoError(t, err)
	b, err := perChar.engine.Send(context.Background(), perChar.conv, "hi", SendOpts{})
	require.NoError(t, err)

	assert.Equal(t, text, a.Text)
	assert.Equal(t, a.Text, b.Text)
}

func TestSend_ZeroDeltasFallsBackOnce(t *testing.T) {
	b := &fakeBackend{
		streams: []func() (stream.Stream, error){events(stream.Done())},
		gen:     func() (string, error) { return "Hello (non-streaming)", nil },
	}
	h := newHarness(t, b)

	turn, err := h.engine.Send(context.Background(), h.conv, "hi", SendOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.genCalls)
	assert.True(t, turn.Fallback)
	assert.Equal(t, "Hello (non-streaming)", h.conversation(t).Messages[1].Text)
}

func TestSend_OpenFailureFallsBack(t *testing.T) {
	b := &fakeBackend{
		streams: []func() (stream.Stream, error){func() (stream.Stream, error) {
			return nil, fmt.Errorf("%w: 503 - unavailable", inference.ErrRequestFailed)
		}},
		gen: func() (string, error) { return "Recovered.", nil },
	}
	h := newHarness(t, b)

	turn, err := h.engine.Send(context.Background(), h.conv, "hi", SendOpts{})
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", turn.Text)
	assert.Equal(t, 1, b.genCalls)
}

func TestSend_FailureLeavesNoEmptyBubble(t *testing.T) {
	tests := []struct {
		name    string
		stream  func() (stream.Stream, error)
		gen     func() (string, error)
		wantMsg string
	}{
		{
			name:    "stream error then empty fallback",
			stream:  events(stream.Error("quota exceeded")),
			wantMsg: "The model returned an empty response.",
		},
		{
			name: "open failure then fallback failure",
			stream: func() (stream.Stream, error) {
				return nil, fmt.Errorf("%w: dial tcp: refused", inference.ErrRequestFailed)
			},
			gen:     func() (string, error) { return "", fmt.Errorf("%w: 502 - bad gateway", inference.ErrRequestFailed) },
			wantMsg: "Something went wrong while generating a response: inference: request failed: 502 - bad gateway",
		},
		{
			name:    "whitespace only",
			stream:  deltas("  ", "\n\n"),
			wantMsg: "The model returned an empty response.",
		},
		{
			name:    "unterminated heredoc only",
			stream:  deltas("EDIT_FILE diary.txt <<EOF\nDear diary"),
			wantMsg: "The model returned an empty response.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){tt.stream}, gen: tt.gen})

			turn, err := h.engine.Send(context.Background(), h.conv, "hi", SendOpts{})
			require.ErrorIs(t, err, ErrTurnFailed)
			assert.True(t, turn.Failed)

			c := h.conversation(t)
			assertNoEmptyAssistant(t, c)
			require.Len(t, c.Messages, 2)
			last := c.Messages[1]
			assert.True(t, last.Error)
			assert.Equal(t, tt.wantMsg, last.Text)
			assert.LessOrEqual(t, h.backend.genCalls, 1)
			require.Len(t, h.kinds(EventFailed), 1)
		})
	}
}

func TestSend_StreamBreaksAfterText(t *testing.T) {
	broken := func() (stream.Stream, error) {
		return stream.FromEvents(
			stream.TextDelta("Partial answer "),
			stream.Grounding("https://partial.example", ""),
			stream.Error("connection reset"),
		), nil
	}

	t.Run("fallback replaces partial text", func(t *testing.T) {
		h := newHarness(t, &fakeBackend{
			streams: []func() (stream.Stream, error){broken},
			gen:     func() (string, error) { return "The whole answer.", nil },
		})

		turn, err := h.engine.Send(context.Background(), h.conv, "hi", SendOpts{})
		require.NoError(t, err)
		assert.True(t, turn.Fallback)
		assert.Equal(t, "The whole answer.", turn.Text)
		assert.Equal(t, 1, h.backend.genCalls)

		c := h.conversation(t)
		require.Len(t, c.Messages, 2)
		assert.Equal(t, "The whole answer.", c.Messages[1].Text)
		assert.Empty(t, c.Messages[1].Sources)
		require.Len(t, h.kinds(EventReset), 1)
	})

	t.Run("failed fallback fails the turn", func(t *testing.T) {
		h := newHarness(t, &fakeBackend{
			streams: []func() (stream.Stream, error){broken},
			gen:     func() (string, error) { return "", errors.New("unavailable") },
		})

		turn, err := h.engine.Send(context.Background(), h.conv, "hi", SendOpts{})
		require.ErrorIs(t, err, ErrTurnFailed)
		assert.True(t, turn.Failed)
		assert.Equal(t, 1, h.backend.genCalls)

		c := h.conversation(t)
		assertNoEmptyAssistant(t, c)
		require.Len(t, c.Messages, 2)
		last := c.Messages[1]
		assert.True(t, last.Error)
		assert.NotContains(t, last.Text, "Partial answer")
		require.Len(t, h.kinds(EventFailed), 1)
	})
}

func TestSend_SafetyStopSkipsFallback(t *testing.T) {
	h := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){
		events(stream.FinishReason("SAFETY", "HARM_CATEGORY_HARASSMENT"), stream.Done()),
	}})

	turn, err := h.engine.Send(context.Background(), h.conv, "hi", SendOpts{})
	require.NoError(t, err)
	assert.Equal(t, "[Response stopped for safety reasons (safety): harassment.]", turn.Text)
	assert.Equal(t, 0, h.backend.genCalls)
}

func TestSend_GroundingSources(t *testing.T) {
	h := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){
		events(
			stream.TextDelta("Rain later."),
			stream.Grounding("https://weather.example/a", "Forecast"),
			stream.Grounding("https://weather.example/a", "Forecast again"),
			stream.Grounding("", "no uri"),
			stream.Grounding("https://weather.example/b", ""),
			stream.FinishReason("STOP"),
		),
	}})

	_, err := h.engine.Send(context.Background(), h.conv, "weather?", SendOpts{})
	require.NoError(t, err)
	assert.Equal(t, []conversation.Source{
		{URI: "https://weather.example/a", Title: "Forecast"},
		{URI: "https://weather.example/b"},
	}, h.conversation(t).Messages[1].Sources)
}

func TestSend_LiveHeredocEdit(t *testing.T) {
	body := strings.Repeat("x", 99) + "\n" + strings.Repeat("y", 99) + "\n"
	h := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){deltas(
		"Updating your calendar.\nEDIT_FILE calendar.txt <<EOF\n",
		body[:70], body[70:140], body[140:],
		"EOF\n",
	)}})

	turn, err := h.engine.Send(context.Background(), h.conv, "add tea at 4", SendOpts{})
	require.NoError(t, err)
	assert.Equal(t, "Updating your calendar.", turn.Text)

	require.Len(t, h.live.edits, 4)
	assert.Equal(t, body[:70], h.live.edits[0].Body)
	assert.Equal(t, body[:140], h.live.edits[1].Body)
	assert.Equal(t, body, h.live.edits[2].Body)
	for _, e := range h.live.edits[:3] {
		assert.False(t, e.Final)
		assert.Equal(t, "calendar.txt", e.File)
		assert.Equal(t, h.conv, e.ConversationID)
	}
	assert.Equal(t, LiveEdit{ConversationID: h.conv, File: "calendar.txt", Body: body, Final: true}, h.live.edits[3])
	assert.Len(t, h.kinds(EventLiveEdit), 4)

	queued := h.queue.List()
	require.Len(t, queued, 1)
	assert.Equal(t, "calendar.txt", queued[0].File)
	assert.Equal(t, command.ModeReplace, queued[0].Mode)
	assert.Equal(t, body, queued[0].Content)
}

func TestSend_FencedCommands(t *testing.T) {
	text := "Done.\n" +
		"```json elira_edit\n{\"file\":\"diary.txt\",\"content\":\"Dear diary\"}\n```\n" +
		"```json elira_edit\n{\"file\":\"broken\", oops}\n```\n" +
		"```json elira_exec\n{\"cmd\":\"node -v\",\"cwd\":\"server\"}\n```\n"
	h := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){deltas(text[:20], text[20:])}})

	var scoped []EventKind
	turn, err := h.engine.Send(context.Background(), h.conv, "go", SendOpts{
		Observer: func(ev Event) { scoped = append(scoped, ev.Kind) },
	})
	require.NoError(t, err)
	assert.Equal(t, strings.TrimRight(text, "\n"), turn.Text, "fences stay visible in the transcript")

	require.Len(t, turn.Proposals, 1)
	assert.Equal(t, "diary.txt", turn.Proposals[0].File)
	assert.Len(t, h.queue.List(), 1)
	require.Len(t, turn.Skips, 1)
	assert.Contains(t, turn.Skips[0].Reason, "invalid json")

	require.Len(t, turn.Execs, 1)
	assert.Equal(t, "$ node -v  (cwd: server)", turn.Execs[0].Prefix)
	assert.Equal(t, "v20.11.0\n", turn.Execs[0].Output)
	assert.True(t, turn.Execs[0].Done)

	execEvents := h.kinds(EventExec)
	require.NotEmpty(t, execEvents)
	assert.Equal(t, turn.Execs[0], *execEvents[len(execEvents)-1].Exec)

	require.NotEmpty(t, scoped)
	require.GreaterOrEqual(t, len(scoped), 5)
	tail := scoped[len(scoped)-5:]
	assert.Equal(t, []EventKind{EventFinished, EventProposals, EventExec, EventExec, EventExec}, tail,
		"finish precedes proposals and exec updates")
}

func TestSend_CommandsOnlyGetSummary(t *testing.T) {
	h := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){
		deltas("EDIT_FILE diary.txt <<EOF\nDear diary\nEOF\n"),
	}})

	turn, err := h.engine.Send(context.Background(), h.conv, "write it", SendOpts{})
	require.NoError(t, err)
	assert.Equal(t, "Proposed changes to diary.txt.", turn.Text)
}

func TestSend_HistoryExcludesErrors(t *testing.T) {
	b := &fakeBackend{streams: []func() (stream.Stream, error){
		deltas("Hello!"),
		events(stream.Error("boom")),
		deltas("Again!"),
	}}
	h := newHarness(t, b)
	ctx := context.Background()

	_, err := h.engine.Send(ctx, h.conv, "hi", SendOpts{})
	require.NoError(t, err)
	_, err = h.engine.Send(ctx, h.conv, "fail please", SendOpts{})
	require.ErrorIs(t, err, ErrTurnFailed)
	_, err = h.engine.Send(ctx, h.conv, "once more", SendOpts{})
	require.NoError(t, err)

	require.Len(t, b.reqs, 3)
	last := b.reqs[2]
	assert.Equal(t, "gemini-2.5-pro", last.Model)
	assert.Equal(t, "You are Elira.", last.SystemInstruction)
	assert.True(t, last.WebSearch)
	assert.Equal(t, []inference.Turn{
		{Role: inference.RoleUser, Text: "hi"},
		{Role: inference.RoleModel, Text: "Hello!"},
		{Role: inference.RoleUser, Text: "fail please"},
		{Role: inference.RoleUser, Text: "once more"},
	}, last.Messages)
}

func TestSend_ValidationRejectsWithoutMutation(t *testing.T) {
	b := &fakeBackend{}
	h := newHarness(t, b)
	ctx := context.Background()

	_, err := h.engine.Send(ctx, h.conv, "   ", SendOpts{})
	require.ErrorIs(t, err, conversation.ErrEmptyPrompt)
	assert.Equal(t, err.Error(), h.engine.Store().Error(h.conv))
	assert.Empty(t, h.conversation(t).Messages)

	_, err = h.engine.Send(ctx, "missing", "hi", SendOpts{})
	assert.ErrorIs(t, err, conversation.ErrUnknownConversation)

	orphan := h.engine.Store().New("m")
	_, err = h.engine.Send(ctx, orphan.ID, "hi", SendOpts{})
	assert.ErrorIs(t, err, ErrNoSession)
	c, _ := h.engine.Store().Get(orphan.ID)
	assert.Empty(t, c.Messages)

	assert.Empty(t, b.reqs, "no network call for rejected input")
	assert.Empty(t, h.events)

	b.streams = append(b.streams, deltas("ok"))
	_, err = h.engine.Send(ctx, h.conv, "hi", SendOpts{})
	require.NoError(t, err)
	assert.Empty(t, h.engine.Store().Error(h.conv), "a started turn clears the error")
}

func TestSend_SessionClosedMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if _, err := io.WriteString(pw, "data: {\"text\":\"partial\"}\n\n"); err != nil {
			return
		}
		_, _ = io.WriteString(pw, "data: {\"text\":\" never read\"}\n\n")
	}()

	b := &fakeBackend{streams: []func() (stream.Stream, error){
		func() (stream.Stream, error) { return stream.NewSSEStream(pr), nil },
	}}
	h := newHarness(t, b)
	sess, ok := h.engine.Sessions().Get(h.conv)
	require.True(t, ok)

	turn, err := h.engine.Send(context.Background(), h.conv, "hi", SendOpts{
		Observer: func(ev Event) {
			if ev.Kind == EventDelta {
				assert.True(t, sess.Streaming())
				require.NoError(t, sess.Close())
			}
		},
	})
	<-writerDone

	require.ErrorIs(t, err, ErrTurnFailed)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, turn.Failed)
	assert.Equal(t, 0, b.genCalls)

	c := h.conversation(t)
	assertNoEmptyAssistant(t, c)
	assert.Equal(t, "The conversation was closed before the response finished.", c.Messages[len(c.Messages)-1].Text)
	assert.False(t, sess.Streaming())
}

func TestEngine_ConversationLifecycle(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	require.Equal(t, 1, h.engine.Sessions().Len())

	require.NoError(t, h.engine.SetModel(h.conv, "gemini-2.5-flash"))
	sess, _ := h.engine.Sessions().Get(h.conv)
	assert.Equal(t, "gemini-2.5-flash", sess.Model())
	assert.Equal(t, "gemini-2.5-flash", h.conversation(t).Model)

	h.engine.Store().Import([]conversation.Conversation{{ID: "loaded", Title: "From disk"}})
	assert.Equal(t, 1, h.engine.OpenSessions())
	assert.Equal(t, 0, h.engine.OpenSessions())
	loaded, ok := h.engine.Sessions().Get("loaded")
	require.True(t, ok)
	assert.Equal(t, "gemini-2.5-pro", loaded.Model())

	require.NoError(t, h.engine.DeleteConversation(h.conv))
	_, ok = h.engine.Sessions().Get(h.conv)
	assert.False(t, ok)
	_, ok = h.engine.Store().Get(h.conv)
	assert.False(t, ok)
	assert.ErrorIs(t, h.engine.DeleteConversation(h.conv), conversation.ErrUnknownConversation)
}

func TestEngine_ImportConversations(t *testing.T) {
	h := newHarness(t, &fakeBackend{streams: []func() (stream.Stream, error){deltas("Welcome back.")}})

	n := h.engine.ImportConversations([]conversation.Conversation{
		{ID: "imported", Title: "Old chat", Model: "gemini-2.5-flash", Messages: []conversation.Message{
			{ID: "u1", Sender: conversation.SenderUser, Text: "hello"},
			{ID: "a1", Sender: conversation.SenderAssistant, Text: "hi there"},
		}},
		{ID: h.conv, Title: "Renamed", Model: "gemini-2.0-flash"},
		{Title: "no id"},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.engine.Sessions().Len())

	sess, ok := h.engine.Sessions().Get("imported")
	require.True(t, ok)
	assert.Equal(t, "gemini-2.5-flash", sess.Model())
	sess, _ = h.engine.Sessions().Get(h.conv)
	assert.Equal(t, "gemini-2.0-flash", sess.Model())

	turn, err := h.engine.Send(context.Background(), "imported", "I'm back", SendOpts{})
	require.NoError(t, err)
	assert.Equal(t, "Welcome back.", turn.Text)
	require.Len(t, h.backend.reqs, 1)
	assert.Equal(t, "gemini-2.5-flash", h.backend.reqs[0].Model)
	assert.Len(t, h.backend.reqs[0].Messages, 3)

	assert.Equal(t, 0, h.engine.ImportConversations(nil))
}

func TestNewEngine_Validation(t *testing.T) {
	store := conversation.NewStore()
	_, err := NewEngine(EngineOpts{Backend: &fakeBackend{}, Model: "m"})
	assert.Error(t, err)
	_, err = NewEngine(EngineOpts{Store: store, Model: "m"})
	assert.Error(t, err)
	_, err = NewEngine(EngineOpts{Store: store, Backend: &fakeBackend{}})
	assert.Error(t, err)
}

func TestFailureText(t *testing.T) {
	assert.Equal(t, "The model returned an empty response.", failureText(conversation.ErrEmptyResponse))
	assert.Equal(t, "Something went wrong while generating a response: boom", failureText(errors.New("boom")))
}
