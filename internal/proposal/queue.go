// Package proposal holds extracted edit proposals until the user applies or
// discards them.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zulandar/inkwell/internal/command"
	"github.com/zulandar/inkwell/internal/filestore"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for an id that is not queued.
	ErrNotFound = errors.New("proposal: not found")
	// ErrPatchUnsupported is returned when a patch targets a workspace file.
	ErrPatchUnsupported = errors.New("proposal: patches are not supported for workspace files")
)

// Store is the file-store collaborator used to apply proposals.
type Store interface {
	WriteCore(ctx context.Context, file, content string, commit filestore.Commit) error
	ApplyDiff(ctx context.Context, file, diff string, commit filestore.Commit) error
	Upload(ctx context.Context, name string, content io.Reader) error
}

// Cache receives the latest text of core files after an apply.
type Cache interface {
	Set(file, text string)
	Refresh(ctx context.Context, file string) error
}

// Queue holds pending proposals, most recent batch first.
type Queue struct {
	store Store
	cache Cache
	log   *zap.Logger

	mu    sync.Mutex
	items []command.EditProposal

	subMu sync.RWMutex
	subs  []func()
}

// QueueOpts holds parameters for creating a Queue.
type QueueOpts struct {
	Store  Store
	Cache  Cache // optional
	Logger *zap.Logger
}

// NewQueue creates a Queue.
func NewQueue(opts QueueOpts) (*Queue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("proposal: queue: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: opts.Store, cache: opts.Cache, log: log}, nil
}

// OnChange registers fn to be called after the queue changes.
func (q *Queue) OnChange(fn func()) {
	q.subMu.Lock()
	q.subs = append(q.subs, fn)
	q.subMu.Unlock()
}

func (q *Queue) notify() {
	q.subMu.RLock()
	subs := q.subs
	q.subMu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}

// Enqueue puts batch in front of the queue, keeping the batch's discovery
// order. Identical proposals are not merged.
func (q *Queue) Enqueue(batch []command.EditProposal) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	items := make([]command.EditProposal, 0, len(batch)+len(q.items))
	items = append(items, batch...)
	q.items = append(items, q.items...)
	q.mu.Unlock()

	q.log.Info("proposals queued", zap.Int("count", len(batch)))
	q.notify()
}

// List returns the queued proposals, most recent first.
func (q *Queue) List() []command.EditProposal {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]command.EditProposal(nil), q.items...)
}

// Get returns the queued proposal with id.
func (q *Queue) Get(id string) (command.EditProposal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.index(id); i >= 0 {
		return q.items[i], nil
	}
	return command.EditProposal{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// index returns the position of id. Callers hold mu.
func (q *Queue) index(id string) int {
	for i, p := range q.items {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// remove drops id if still queued and reports whether it was.
func (q *Queue) remove(id string) bool {
	q.mu.Lock()
	i := q.index(id)
	if i >= 0 {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	q.mu.Unlock()
	if i < 0 {
		return false
	}
	q.notify()
	return true
}

// Apply sends the proposal with id to the file store. Workspace targets are
// uploaded, core patches are merged by the store and the file re-fetched,
// core replacements are written directly. The proposal is removed only on
// success; on failure it stays queued and the error is returned.
func (q *Queue) Apply(ctx context.Context, id string, commit filestore.Commit) error {
	p, err := q.Get(id)
	if err != nil {
		return err
	}
	log := q.log.With(zap.String("proposal", p.ID), zap.String("file", p.File), zap.String("mode", string(p.Mode)))

	if err := q.dispatch(ctx, p, commit); err != nil {
		log.Warn("apply proposal failed", zap.Error(err))
		return err
	}
	q.remove(p.ID)
	log.Info("proposal applied")

	if !p.IsWorkspace() && p.Mode == command.ModePatch && q.cache != nil {
		if err := q.cache.Refresh(ctx, p.File); err != nil {
			log.Warn("refresh after patch failed", zap.Error(err))
		}
	}
	return nil
}

func (q *Queue) dispatch(ctx context.Context, p command.EditProposal, commit filestore.Commit) error {
	switch {
	case p.IsWorkspace():
		if p.Mode == command.ModePatch {
			return ErrPatchUnsupported
		}
		name := p.WorkspaceName()
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("proposal: apply %s: empty workspace file name", p.ID)
		}
		return q.store.Upload(ctx, name, strings.NewReader(p.Content))
	case p.Mode == command.ModePatch:
		return q.store.ApplyDiff(ctx, p.File, p.Diff, commit)
	default:
		if err := q.store.WriteCore(ctx, p.File, p.Content, commit); err != nil {
			return err
		}
		if q.cache != nil {
			q.cache.Set(p.File, p.Content)
		}
		return nil
	}
}

// Discard removes the proposal with id without touching the file store.
func (q *Queue) Discard(id string) error {
	if !q.remove(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.log.Info("proposal discarded", zap.String("proposal", id))
	return nil
}
