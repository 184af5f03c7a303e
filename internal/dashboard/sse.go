package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/inkwell/internal/chat"
	"github.com/zulandar/inkwell/internal/sse"
	"go.uber.org/zap"
)

// hubBuffer is the per-subscriber backlog. A subscriber that falls further
// behind misses events rather than stalling turns.
const hubBuffer = 64

const heartbeatInterval = 15 * time.Second

// Hub fans turn events out to every GET /api/events subscriber. Publish is
// meant to be the engine observer.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan chat.Event]struct{}
}

// NewHub creates a Hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan chat.Event]struct{})}
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev chat.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan chat.Event, func()) {
	ch := make(chan chat.Event, hubBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func streamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

// handleEvents streams every turn event published to the hub until the
// client goes away.
func handleEvents(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		streamHeaders(c)
		sse.EncodeEvent(c.Writer, "connected", gin.H{"type": "connected"})
		c.Writer.Flush()

		if hub == nil {
			return
		}
		events, unsubscribe := hub.Subscribe()
		defer unsubscribe()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				sse.EncodeEvent(c.Writer, "heartbeat", gin.H{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev := <-events:
				sse.EncodeEvent(c.Writer, string(ev.Kind), ev)
				c.Writer.Flush()
			}
		}
	}
}

// frameWriter writes named SSE frames to a client. After the first failed
// write it logs once and drops every later frame.
type frameWriter struct {
	w   gin.ResponseWriter
	log *zap.Logger
	err error
}

func (f *frameWriter) write(event string, v any) {
	if f.err != nil {
		return
	}
	if err := sse.EncodeEvent(f.w, event, v); err != nil {
		f.err = err
		f.log.Warn("client stream closed, dropping frames", zap.String("event", event), zap.Error(err))
		return
	}
	f.w.Flush()
}
