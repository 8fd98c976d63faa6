package activity

import (
	"sync"

	"github.com/jonathan/threads-autopost/internal/types"
)

// subscriberBuffer is how many entries a slow subscriber may lag before entries are dropped for it.
const subscriberBuffer = 64

// Hub broadcasts log entries to live subscribers. A nil *Hub is a no-op.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan types.LogEntry]struct{}
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan types.LogEntry]struct{})}
}

// Subscribe registers a subscriber. The returned cancel function unregisters it and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan types.LogEntry, func()) {
	ch := make(chan types.LogEntry, subscriberBuffer)
	if h == nil {
		close(ch)
		return ch, func() {}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers entry to every subscriber without blocking.
func (h *Hub) Publish(entry types.LogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- entry:
		default:
			// subscriber is behind; drop
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
	h.closed = true
}
