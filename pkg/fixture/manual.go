package fixture

import (
	"sync"

	"github.com/cgast/streamcheck/pkg/stream"
)

// Manual is a producer driven by hand. It performs no demand checks, so a
// test can emit signals in any order, including ones that break the protocol.
// Only the most recent subscriber receives signals.
type Manual[T any] struct {
	mu         sync.Mutex
	target     stream.Subscriber[T]
	requests   []int64
	cancelled  bool
	subscribed chan struct{}
	once       sync.Once
}

// NewManual creates a hand-driven producer.
func NewManual[T any]() *Manual[T] {
	return &Manual[T]{subscribed: make(chan struct{})}
}

func (m *Manual[T]) Subscribe(s stream.Subscriber[T]) {
	m.mu.Lock()
	m.target = s
	m.mu.Unlock()

	s.OnSubscribe(manualSubscription[T]{m: m})
	m.once.Do(func() { close(m.subscribed) })
}

// Subscribed is closed once the first subscriber has received onSubscribe.
func (m *Manual[T]) Subscribed() <-chan struct{} {
	return m.subscribed
}

// Next delivers v to the subscriber.
func (m *Manual[T]) Next(v T) {
	if s := m.subscriber(); s != nil {
		s.OnNext(v)
	}
}

// Complete delivers onComplete.
func (m *Manual[T]) Complete() {
	if s := m.subscriber(); s != nil {
		s.OnComplete()
	}
}

// Error delivers onError(err).
func (m *Manual[T]) Error(err error) {
	if s := m.subscriber(); s != nil {
		s.OnError(err)
	}
}

// Resubscribe delivers a second onSubscribe to the current subscriber.
func (m *Manual[T]) Resubscribe() {
	if s := m.subscriber(); s != nil {
		s.OnSubscribe(manualSubscription[T]{m: m})
	}
}

// Requests returns every request(n) received, in order.
func (m *Manual[T]) Requests() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.requests))
	copy(out, m.requests)
	return out
}

// Requested returns the cumulative demand received, saturating at Unbounded.
func (m *Manual[T]) Requested() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, n := range m.requests {
		total = stream.AddCap(total, n)
	}
	return total
}

// Cancelled reports whether cancel was received.
func (m *Manual[T]) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *Manual[T]) subscriber() stream.Subscriber[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

type manualSubscription[T any] struct {
	m *Manual[T]
}

func (s manualSubscription[T]) Request(n int64) {
	s.m.mu.Lock()
	s.m.requests = append(s.m.requests, n)
	s.m.mu.Unlock()
}

func (s manualSubscription[T]) Cancel() {
	s.m.mu.Lock()
	s.m.cancelled = true
	s.m.mu.Unlock()
}
