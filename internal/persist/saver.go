package persist

import (
	"context"
	"sync"
	"time"

	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/filestore"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a triggered save runs.
const DefaultDebounce = 500 * time.Millisecond

// Saver runs a save function after triggers stop arriving for the debounce
// delay. Each trigger restarts the delay.
type Saver struct {
	name  string
	delay time.Duration
	save  func(context.Context) error
	log   *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	dirty  bool
	closed bool

	saveMu sync.Mutex // serialises save calls
}

// NewSaver creates a Saver. A non-positive delay selects DefaultDebounce.
func NewSaver(name string, delay time.Duration, save func(context.Context) error, logger *zap.Logger) *Saver {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{name: name, delay: delay, save: save, log: logger}
}

// Trigger schedules a save. It never blocks on the save itself.
func (s *Saver) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

func (s *Saver) fire() {
	if err := s.run(context.Background()); err != nil {
		s.log.Warn("state save failed", zap.String("state", s.name), zap.Error(err))
	}
}

// run saves when a trigger is outstanding.
func (s *Saver) run(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.save(ctx)
}

// Flush cancels the pending delay and saves now if a trigger is
// outstanding.
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.run(ctx)
}

// Close flushes and ignores later triggers.
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Syncer keeps the conversation store and the file cache persisted.
type Syncer struct {
	state *State
	store *conversation.Store
	cache *filestore.Cache
	log   *zap.Logger

	convs *Saver
	files *Saver
}

// SyncerOpts holds parameters for creating a Syncer.
type SyncerOpts struct {
	State    *State
	Store    *conversation.Store
	Cache    *filestore.Cache // optional
	Debounce time.Duration
	Logger   *zap.Logger
}

// NewSyncer creates a Syncer. Call Restore, then Start.
func NewSyncer(opts SyncerOpts) *Syncer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Syncer{state: opts.State, store: opts.Store, cache: opts.Cache, log: log}
	s.convs = NewSaver(KeyConversations, opts.Debounce, func(ctx context.Context) error {
		return s.state.SaveConversations(ctx, s.store.List())
	}, log)
	if s.cache != nil {
		s.files = NewSaver(KeyFileCache, opts.Debounce, func(ctx context.Context) error {
			return s.state.SaveFileCache(ctx, s.cache.Snapshot())
		}, log)
	}
	return s
}

// Restore loads persisted state into the store and the cache. It returns
// the number of conversations restored.
func (s *Syncer) Restore(ctx context.Context) (int, error) {
	convs, err := s.state.LoadConversations(ctx)
	if err != nil {
		return 0, err
	}
	n := s.store.Import(convs)
	if s.cache != nil {
		files, err := s.state.LoadFileCache(ctx)
		if err != nil {
			return n, err
		}
		s.cache.Load(files)
	}
	s.log.Info("state restored", zap.Int("conversations", n))
	return n, nil
}

// Start subscribes the savers to store and cache changes.
func (s *Syncer) Start() {
	s.store.OnChange(s.convs.Trigger)
	if s.files != nil {
		s.cache.OnChange(s.files.Trigger)
	}
}

// Flush saves outstanding changes now.
func (s *Syncer) Flush(ctx context.Context) error {
	err := s.convs.Flush(ctx)
	if s.files != nil {
		if ferr := s.files.Flush(ctx); err == nil {
			err = ferr
		}
	}
	return err
}

// Close flushes and stops saving.
func (s *Syncer) Close(ctx context.Context) error {
	err := s.convs.Close(ctx)
	if s.files != nil {
		if ferr := s.files.Close(ctx); err == nil {
			err = ferr
		}
	}
	return err
}
