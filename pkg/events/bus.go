package events

import (
	"sync"
	"time"
)

// DefaultHistorySize bounds the number of events a MemoryBus retains.
const DefaultHistorySize = 4096

// EventBus provides publish/subscribe for run events.
type EventBus interface {
	Publish(event Event)
	Subscribe(filter ...EventType) <-chan Event
	Unsubscribe(ch <-chan Event)
	History(since time.Time) []Event
}

type subscriber struct {
	ch     chan Event
	filter map[EventType]bool // empty means all events
}

// MemoryBus is an in-memory implementation of EventBus. Publish never blocks:
// a subscriber whose buffer is full misses the event, the history keeps it.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	history     []Event
	maxHistory  int
}

// NewMemoryBus creates a new in-memory event bus retaining up to
// DefaultHistorySize events.
func NewMemoryBus() *MemoryBus {
	return NewMemoryBusWithHistory(DefaultHistorySize)
}

// NewMemoryBusWithHistory creates a bus retaining at most size events.
// A non-positive size falls back to DefaultHistorySize.
func NewMemoryBusWithHistory(size int) *MemoryBus {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &MemoryBus{
		history:    make([]Event, 0, min(size, 256)),
		maxHistory: size,
	}
}

func (b *MemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, event)
	if over := len(b.history) - b.maxHistory; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}

	// Sends stay under the lock: Unsubscribe closes channels.
	for _, sub := range b.subscribers {
		if len(sub.filter) > 0 && !sub.filter[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (b *MemoryBus) Subscribe(filter ...EventType) <-chan Event {
	ch := make(chan Event, 64)
	sub := subscriber{ch: ch}
	if len(filter) > 0 {
		sub.filter = make(map[EventType]bool, len(filter))
		for _, f := range filter {
			sub.filter[f] = true
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	return ch
}

func (b *MemoryBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.ch == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (b *MemoryBus) History(since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, e := range b.history {
		if !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	return result
}

// RunHistory returns the retained events of one run, in publish order.
func (b *MemoryBus) RunHistory(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, e := range b.history {
		if e.RunID == runID {
			result = append(result, e)
		}
	}
	return result
}
