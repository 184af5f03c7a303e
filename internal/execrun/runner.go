// Package execrun runs extracted exec requests against the execution
// collaborator and records each command's streamed output in its own
// transcript entry.
package execrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/inkwell/internal/command"
	"github.com/zulandar/inkwell/internal/sse"
	"go.uber.org/zap"
)

// Entry is the transcript of one exec request.
type Entry struct {
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
	Output string `json:"output"`
	Done   bool   `json:"done"`
	Failed bool   `json:"failed,omitempty"`
}

// Opener opens the output stream of one exec request.
type Opener interface {
	Open(ctx context.Context, req command.ExecRequest) (io.ReadCloser, error)
}

// Prefix returns the header line naming the command.
func Prefix(req command.ExecRequest) string {
	p := "$ " + req.Cmd
	if req.Cwd != "" {
		p += "  (cwd: " + req.Cwd + ")"
	}
	return p
}

// Runner executes requests one at a time, in order.
type Runner struct {
	opener   Opener
	log      *zap.Logger
	observer func(Entry)

	runMu   sync.Mutex // serialises Run calls
	current func(Entry) // per-run observer, guarded by runMu

	mu      sync.Mutex
	entries []Entry
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Opener Opener
	Logger *zap.Logger
	// Observer receives a snapshot of an entry after every change. It is
	// called on the running goroutine and must not block.
	Observer func(Entry)
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.Opener == nil {
		return nil, fmt.Errorf("execrun: runner: opener is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{opener: opts.Opener, log: log, observer: opts.Observer}, nil
}

// Entries returns a snapshot of every entry, oldest first.
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Run executes reqs sequentially in the given order. Failures are recorded
// in the failing request's entry and do not stop later requests. The ids
// of the created entries are returned.
func (r *Runner) Run(ctx context.Context, reqs []command.ExecRequest) []string {
	return r.RunObserved(ctx, reqs, nil)
}

// RunObserved is Run with an extra observer that only sees the entries of
// this call, after the runner-wide observer.
func (r *Runner) RunObserved(ctx context.Context, reqs []command.ExecRequest, fn func(Entry)) []string {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.current = fn
	defer func() { r.current = nil }()

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, r.runOne(ctx, req))
	}
	return ids
}

func (r *Runner) runOne(ctx context.Context, req command.ExecRequest) string {
	id := uuid.NewString()
	r.add(Entry{ID: id, Prefix: Prefix(req)})
	log := r.log.With(zap.String("exec", id), zap.String("cmd", req.Cmd))
	log.Info("exec started")

	body, err := r.opener.Open(ctx, req)
	if err != nil {
		r.fail(id, err)
		log.Warn("exec failed", zap.Error(err))
		return id
	}
	defer body.Close()

	reader := sse.NewReader(body)
	for {
		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.fail(id, err)
			log.Warn("exec stream broke", zap.Error(err))
			return id
		}
		var f frame
		if json.Unmarshal(payload, &f) != nil {
			continue
		}
		if text := f.text(); text != "" {
			r.appendOutput(id, text)
		}
		if f.Error != "" {
			r.fail(id, errors.New(f.Error))
			return id
		}
		if f.Done {
			break
		}
	}
	r.finish(id)
	log.Info("exec finished")
	return id
}

// frame is one exec-stream payload.
type frame struct {
	Out   string `json:"out"`
	Err   string `json:"err"`
	Error string `json:"error"`
	Code  *int   `json:"code"`
	Done  bool   `json:"done"`
}

func (f frame) text() string {
	s := f.Out + f.Err
	if f.Code != nil {
		s += fmt.Sprintf("\n[exit %d]\n", *f.Code)
	}
	return s
}

func (r *Runner) add(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	r.emit(e)
}

// update applies fn to entry id and emits the result.
func (r *Runner) update(id string, fn func(*Entry)) {
	r.mu.Lock()
	var snap Entry
	var ok bool
	for i := range r.entries {
		if r.entries[i].ID == id {
			fn(&r.entries[i])
			snap, ok = r.entries[i], true
			break
		}
	}
	r.mu.Unlock()
	if ok {
		r.emit(snap)
	}
}

func (r *Runner) appendOutput(id, text string) {
	r.update(id, func(e *Entry) { e.Output += text })
}

func (r *Runner) fail(id string, err error) {
	r.update(id, func(e *Entry) {
		if e.Output != "" && !strings.HasSuffix(e.Output, "\n") {
			e.Output += "\n"
		}
		e.Output += "[error] " + err.Error() + "\n"
		e.Done = true
		e.Failed = true
	})
}

func (r *Runner) finish(id string) {
	r.update(id, func(e *Entry) { e.Done = true })
}

func (r *Runner) emit(e Entry) {
	if r.observer != nil {
		r.observer(e)
	}
	if r.current != nil {
		r.current(e)
	}
}

// Client opens exec streams on the execution collaborator over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for the collaborator rooted at baseURL. The
// HTTP client must not carry a timeout shorter than the longest command.
func NewClient(baseURL string, hc *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("execrun: base url is required")
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: base, http: hc}, nil
}

// Open posts req to exec/stream and returns the event-stream body.
func (c *Client) Open(ctx context.Context, req command.ExecRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("execrun: marshal request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/exec/stream", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("execrun: new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("execrun: request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("execrun: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}
