// Package fixture provides small producers for exercising verification
// scripts: a demand-honouring replay of fixed values and a hand-driven
// producer for tests that need precise control over signal timing.
package fixture

import (
	"fmt"
	"sync"

	"github.com/cgast/streamcheck/pkg/stream"
)

// Replay emits a fixed sequence of values to each subscriber, honouring
// demand, then ends with completion, an error, or nothing at all.
// Configuration methods return copies, so a Replay may be shared.
type Replay[T any] struct {
	values       []T
	err          error
	terminate    bool
	ignoreDemand bool
}

// Just replays values and completes.
func Just[T any](values ...T) *Replay[T] {
	return &Replay[T]{values: values, terminate: true}
}

// Empty completes without emitting any value.
func Empty[T any]() *Replay[T] {
	return Just[T]()
}

// Fail replays values and then signals err.
func Fail[T any](err error, values ...T) *Replay[T] {
	return &Replay[T]{values: values, err: err, terminate: true}
}

// Never replays values and then goes silent without a terminal signal.
func Never[T any](values ...T) *Replay[T] {
	return &Replay[T]{values: values}
}

// IgnoringDemand returns a copy that emits everything right after
// onSubscribe, regardless of requests, breaking the demand contract.
func (r *Replay[T]) IgnoringDemand() *Replay[T] {
	cp := *r
	cp.ignoreDemand = true
	return &cp
}

// WithoutTerminal returns a copy that never completes or fails.
func (r *Replay[T]) WithoutTerminal() *Replay[T] {
	cp := *r
	cp.terminate = false
	return &cp
}

// ThenError returns a copy that ends with err instead of completing.
func (r *Replay[T]) ThenError(err error) *Replay[T] {
	cp := *r
	cp.err = err
	cp.terminate = true
	return &cp
}

func (r *Replay[T]) Subscribe(s stream.Subscriber[T]) {
	sub := &replaySubscription[T]{replay: r, target: s}
	s.OnSubscribe(sub)
	if r.ignoreDemand {
		sub.flood()
		return
	}
	sub.drain()
}

type replaySubscription[T any] struct {
	replay *Replay[T]
	target stream.Subscriber[T]

	mu        sync.Mutex
	requested int64
	index     int
	draining  bool
	missed    bool
	cancelled bool
	done      bool
}

func (s *replaySubscription[T]) Request(n int64) {
	if n <= 0 {
		s.mu.Lock()
		if s.cancelled || s.done {
			s.mu.Unlock()
			return
		}
		s.cancelled = true
		s.mu.Unlock()
		s.target.OnError(fmt.Errorf("request(%d): demand must be positive", n))
		return
	}

	s.mu.Lock()
	s.requested = stream.AddCap(s.requested, n)
	s.mu.Unlock()
	if !s.replay.ignoreDemand {
		s.drain()
	}
}

func (s *replaySubscription[T]) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// drain emits as much as demand allows. Only one goroutine drains at a time;
// a Request arriving during a drain, including a reentrant one from inside
// OnNext, is picked up by the running loop.
func (s *replaySubscription[T]) drain() {
	s.mu.Lock()
	if s.draining {
		s.missed = true
		s.mu.Unlock()
		return
	}
	s.draining = true

	for {
		s.missed = false
		if s.cancelled || s.done {
			s.draining = false
			s.mu.Unlock()
			return
		}

		if s.index < len(s.replay.values) && s.requested > 0 {
			v := s.replay.values[s.index]
			s.index++
			if s.requested != stream.Unbounded {
				s.requested--
			}
			s.mu.Unlock()
			s.target.OnNext(v)
			s.mu.Lock()
			continue
		}

		if s.index == len(s.replay.values) && s.replay.terminate {
			s.done = true
			s.draining = false
			s.mu.Unlock()
			s.terminate()
			return
		}

		if !s.missed {
			s.draining = false
			s.mu.Unlock()
			return
		}
	}
}

// flood emits every value and the terminal signal, ignoring demand.
func (s *replaySubscription[T]) flood() {
	for _, v := range s.replay.values {
		s.mu.Lock()
		stop := s.cancelled
		s.mu.Unlock()
		if stop {
			return
		}
		s.target.OnNext(v)
	}

	s.mu.Lock()
	if s.cancelled || !s.replay.terminate {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.terminate()
}

func (s *replaySubscription[T]) terminate() {
	if s.replay.err != nil {
		s.target.OnError(s.replay.err)
		return
	}
	s.target.OnComplete()
}
