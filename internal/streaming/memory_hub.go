package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-process EventHub. Subscribers are indexed by subject so
// a publish only visits the subscribers of that execution or generation plus
// the ones watching every subject. Use RedisHub when webhooks and
// subscribers may land on different instances.
type MemoryHub struct {
	mu        sync.RWMutex
	bySubject map[string]map[uint64]*subscription
	nextID    uint64
	dropped   atomic.Int64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{bySubject: make(map[string]map[uint64]*subscription)}
}

// Publish never blocks. An event that does not fit in a subscriber's buffer
// is dropped for that subscriber; the event log still has it.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.bySubject[event.SubjectID], event)
	if event.SubjectID != "" {
		h.deliver(h.bySubject[""], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscription, event StreamEvent) {
	for _, sub := range subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel. The returned cancel func removes
// the subscription and closes the channel; it is safe to call twice.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{ch: make(chan StreamEvent, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	subs := h.bySubject[filter.SubjectID]
	if subs == nil {
		subs = make(map[uint64]*subscription)
		h.bySubject[filter.SubjectID] = subs
	}
	subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.bySubject, filter.SubjectID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.bySubject {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }
