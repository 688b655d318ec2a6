package occupancy

import (
	"log/slog"
	"sync"

	"github.com/roach88/turnstile/internal/model"
)

const subscriberBuffer = 16

// Hub fans occupancy changes out to subscribers and invalidates the cache.
//
// Publish never blocks: a subscriber whose buffer is full misses the change.
// Observers must treat changes as hints and re-read the count.
type Hub struct {
	cache *Cache

	mu     sync.Mutex
	subs   map[string]map[chan model.OccupancyChange]struct{}
	closed bool
}

// NewHub creates a hub. cache may be nil.
func NewHub(cache *Cache) *Hub {
	return &Hub{
		cache: cache,
		subs:  make(map[string]map[chan model.OccupancyChange]struct{}),
	}
}

// Publish implements engine.Notifier.
func (h *Hub) Publish(change model.OccupancyChange) {
	if h.cache != nil {
		h.cache.Invalidate(change.EventID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[change.EventID] {
		select {
		case ch <- change:
		default:
			slog.Debug("occupancy subscriber lagging, change dropped", "event_id", change.EventID)
		}
	}
}

// Subscribe registers for changes of eventID. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(eventID string) (<-chan model.OccupancyChange, func()) {
	ch := make(chan model.OccupancyChange, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if h.subs[eventID] == nil {
		h.subs[eventID] = make(map[chan model.OccupancyChange]struct{})
	}
	h.subs[eventID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[eventID][ch]; !ok {
				return
			}
			delete(h.subs[eventID], ch)
			if len(h.subs[eventID]) == 0 {
				delete(h.subs, eventID)
			}
			close(ch)
		})
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for eventID, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, eventID)
	}
}
