// Package notify fans out "new changes appended" signals to the workers
// that drain the publish log.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer of each subscriber channel.
// Subscribers that fall behind lose signals, never block the sender.
const defaultSignalBufferSize = 16

// Signal announces that the log grew up to Seq with changes of Partition
type Signal struct {
	Partition string
	Seq       uint64
}

// Filter selects the partitions a subscriber hears about. Empty means all.
type Filter struct {
	Partitions []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(partition string) bool {
	if len(s.filter.Partitions) == 0 {
		return true
	}
	for _, p := range s.filter.Partitions {
		if p == partition {
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

// Hub is a thread-safe notification hub
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies every matching subscriber without blocking
func (h *Hub) Signal(partition string, seq uint64) {
	signal := Signal{Partition: partition, Seq: seq}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(partition) {
			continue
		}
		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe returns a buffered signal channel and an idempotent cancel
// function that closes it.
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

// Close cancels every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
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
