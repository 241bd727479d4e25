package streaming

import (
	"context"
	"errors"
	"sync"
)

const defaultChannelBuffer = 64

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("event hub closed")

// HubStats is a snapshot of hub activity.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHubOption configures a MemoryHub.
type MemoryHubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) MemoryHubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// MemoryHub is an in-process EventHub. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type MemoryHub struct {
	buffer int

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool
	stats  HubStats
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts ...MemoryHubOption) *MemoryHub {
	h := &MemoryHub{buffer: defaultChannelBuffer, subs: make(map[uint64]*subscription)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers event to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.stats.Published++
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
			h.stats.Delivered++
		default:
			h.stats.Dropped++
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel func
// closes the channel and may be called more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrHubClosed
	}
	h.nextID++
	id := h.nextID
	sub := &subscription{ch: make(chan StreamEvent, h.buffer), filter: filter}
	h.subs[id] = sub

	return sub.ch, func() { h.unsubscribe(id) }, nil
}

// Stats returns a snapshot of the hub counters.
func (h *MemoryHub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats
	st.Subscribers = len(h.subs)
	return st
}

// Close ends every subscription. Later publishes are ignored.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

func (h *MemoryHub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}
