package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/orca/internal/engine"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscription struct {
	out    chan StreamEvent
	filter EventFilter
	once   sync.Once
}

func (s *subscription) wants(e StreamEvent) bool {
	if s.filter.RunID != "" && s.filter.RunID != e.RunID {
		return false
	}
	return len(s.filter.Kinds) == 0 || slices.Contains(s.filter.Kinds, e.Kind)
}

// MemoryHub is an in-process EventHub. Publishing never blocks: a subscriber
// whose buffer is full misses the event and the miss is counted.
type MemoryHub struct {
	buffer  int
	dropped atomic.Uint64

	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

var (
	_ EventHub        = (*MemoryHub)(nil)
	_ engine.Observer = (*MemoryHub)(nil)
)

// NewMemoryHub creates a hub. buffer <= 0 selects DefaultBuffer.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemoryHub{buffer: buffer, subs: make(map[*subscription]struct{})}
}

// Publish offers event to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.out <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// OnEvent forwards engine events. Run cancellation must not stop the final
// events from reaching subscribers, so ctx only carries values here.
func (h *MemoryHub) OnEvent(ctx context.Context, e engine.Event) {
	_ = h.Publish(context.WithoutCancel(ctx), FromEngine(e))
}

// Subscribe registers a subscriber. Its channel is closed by the returned
// cancel function or when ctx ends, whichever happens first.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{out: make(chan StreamEvent, h.buffer), filter: filter}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { h.drop(sub) })
	return sub.out, func() {
		stop()
		h.drop(sub)
	}, nil
}

// drop unregisters sub and closes its channel exactly once. The close happens
// under the write lock so no Publish can be sending on it.
func (h *MemoryHub) drop(sub *subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, sub)
		close(sub.out)
	})
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }
