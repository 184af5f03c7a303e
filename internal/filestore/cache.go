package filestore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CoreReader reads the current text of a core file.
type CoreReader interface {
	ReadCore(ctx context.Context, file string) (string, error)
}

// refreshConcurrency bounds concurrent fetches in RefreshAll.
const refreshConcurrency = 4

// Cache is a per-file text cache keyed by file name.
type Cache struct {
	reader CoreReader
	files  []string
	log    *zap.Logger

	mu   sync.RWMutex
	text map[string]string

	subMu sync.RWMutex
	subs  []func()
}

// CacheOpts holds parameters for creating a Cache.
type CacheOpts struct {
	Reader CoreReader
	Files  []string // files refreshed by RefreshAll
	Logger *zap.Logger
}

// NewCache creates a Cache.
func NewCache(opts CacheOpts) *Cache {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		reader: opts.Reader,
		files:  append([]string(nil), opts.Files...),
		log:    log,
		text:   make(map[string]string),
	}
}

// OnChange registers fn to be called after the cache changes.
func (c *Cache) OnChange(fn func()) {
	c.subMu.Lock()
	c.subs = append(c.subs, fn)
	c.subMu.Unlock()
}

func (c *Cache) notify() {
	c.subMu.RLock()
	subs := c.subs
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}

// Get returns the cached text for file.
func (c *Cache) Get(file string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.text[file]
	return t, ok
}

// Set stores text for file.
func (c *Cache) Set(file, text string) {
	c.mu.Lock()
	c.text[file] = text
	c.mu.Unlock()
	c.notify()
}

// Snapshot returns a copy of every cached file.
func (c *Cache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.text)
}

// Load replaces the cache contents, typically with persisted state.
func (c *Cache) Load(files map[string]string) {
	c.mu.Lock()
	c.text = maps.Clone(files)
	if c.text == nil {
		c.text = make(map[string]string)
	}
	c.mu.Unlock()
}

// Refresh fetches the latest text of file from the store.
func (c *Cache) Refresh(ctx context.Context, file string) error {
	if c.reader == nil {
		return fmt.Errorf("filestore: refresh %s: no reader configured", file)
	}
	text, err := c.reader.ReadCore(ctx, file)
	if err != nil {
		return err
	}
	c.Set(file, text)
	return nil
}

// RefreshAll fetches every configured file concurrently. Files that fail
// keep their cached text; the first error is returned.
func (c *Cache) RefreshAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, f := range c.files {
		g.Go(func() error {
			if err := c.Refresh(gctx, f); err != nil {
				c.log.Warn("cache refresh failed", zap.String("file", f), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("filestore: schedule %q: %w", expr, err)
	}
	return sched, nil
}

// nextCronDuration returns the duration until sched next fires after now.
func nextCronDuration(sched cron.Schedule, now time.Time) time.Duration {
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Refresher runs Cache.RefreshAll on a cron schedule.
type Refresher struct {
	cache    *Cache
	schedule cron.Schedule
	log      *zap.Logger
	now      func() time.Time
}

// NewRefresher creates a Refresher for cache firing on the cron expression.
func NewRefresher(cache *Cache, expr string, logger *zap.Logger) (*Refresher, error) {
	if cache == nil {
		return nil, fmt.Errorf("filestore: refresher: cache is required")
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{cache: cache, schedule: sched, log: logger, now: time.Now}, nil
}

// Next returns the next fire time after t.
func (r *Refresher) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// Run refreshes the cache once immediately and then on every schedule tick
// until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.runOnce(ctx)

	timer := time.NewTimer(nextCronDuration(r.schedule, r.now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.runOnce(ctx)
			timer.Reset(nextCronDuration(r.schedule, r.now()))
		}
	}
}

func (r *Refresher) runOnce(ctx context.Context) {
	start := r.now()
	if err := r.cache.RefreshAll(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn("cache refresh run finished with errors", zap.Error(err))
		return
	}
	r.log.Debug("cache refreshed", zap.Duration("took", r.now().Sub(start)))
}
