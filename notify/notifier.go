// Package notify wakes change log pollers when new records are appended.
// Signals are hints: a dropped signal only delays a poller until its next
// poll interval.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize keeps a short burst per subscriber; pollers only
// need to know that something arrived, not how many times.
const defaultSignalBufferSize = 4

// Signal announces an append on a shard up to Sequence
type Signal struct {
	Shard    string
	Sequence uint64
}

// Filter selects shards; empty means all shards
type Filter struct {
	Shards []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(shard string) bool {
	if len(s.filter.Shards) == 0 {
		return true
	}

	for _, name := range s.filter.Shards {
		if name == shard {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe fan-out of append signals
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends to every matching subscriber without blocking
func (h *Hub) Signal(shard string, seq uint64) {
	signal := Signal{
		Shard:    shard,
		Sequence: seq,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(shard) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe returns a buffered signal channel and an idempotent cancel function
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Subscribers returns the number of active subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
