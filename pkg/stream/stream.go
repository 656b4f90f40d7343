// Package stream defines the push-pull streaming protocol that verified
// producers implement: subscribe, request(n), onNext*, then onComplete or
// onError, with cancel available to the consumer at any time.
package stream

import (
	"fmt"
	"math"
)

// Unbounded is the demand value that lifts all back-pressure.
const Unbounded int64 = math.MaxInt64

// Subscription is the handle a Publisher hands to its Subscriber.
type Subscription interface {
	// Request authorizes delivery of up to n more values. n must be positive.
	Request(n int64)

	// Cancel asks the producer to stop. Signals already in flight may still arrive.
	Cancel()
}

// Subscriber receives the signals of one subscription. Calls are serial:
// a well-behaved producer never delivers two signals concurrently.
type Subscriber[T any] interface {
	OnSubscribe(sub Subscription)
	OnNext(value T)
	OnComplete()
	OnError(err error)
}

// Publisher is a source of values following the protocol.
type Publisher[T any] interface {
	Subscribe(s Subscriber[T])
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc[T any] func(s Subscriber[T])

func (f PublisherFunc[T]) Subscribe(s Subscriber[T]) {
	f(s)
}

// SignalKind identifies one of the four consumer-side signals.
type SignalKind int

const (
	SignalSubscribe SignalKind = iota
	SignalNext
	SignalComplete
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalSubscribe:
		return "onSubscribe"
	case SignalNext:
		return "onNext"
	case SignalComplete:
		return "onComplete"
	case SignalError:
		return "onError"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// Signal is a closed tagged variant over the consumer-side signals.
// Only the field matching Kind is meaningful.
type Signal[T any] struct {
	Kind         SignalKind
	Subscription Subscription
	Value        T
	Err          error
}

// Terminal reports whether the signal ends the stream.
func (s Signal[T]) Terminal() bool {
	return s.Kind == SignalComplete || s.Kind == SignalError
}

func (s Signal[T]) String() string {
	switch s.Kind {
	case SignalNext:
		return fmt.Sprintf("onNext(%v)", s.Value)
	case SignalError:
		return fmt.Sprintf("onError(%v)", s.Err)
	default:
		return s.Kind.String() + "()"
	}
}

// Next builds an onNext signal.
func Next[T any](v T) Signal[T] {
	return Signal[T]{Kind: SignalNext, Value: v}
}

// Error builds an onError signal.
func Error[T any](err error) Signal[T] {
	return Signal[T]{Kind: SignalError, Err: err}
}

// Complete builds an onComplete signal.
func Complete[T any]() Signal[T] {
	return Signal[T]{Kind: SignalComplete}
}

// Subscribed builds an onSubscribe signal.
func Subscribed[T any](sub Subscription) Signal[T] {
	return Signal[T]{Kind: SignalSubscribe, Subscription: sub}
}

// AddCap adds two non-negative demand counts, saturating at Unbounded.
func AddCap(a, b int64) int64 {
	if a >= Unbounded-b {
		return Unbounded
	}
	return a + b
}

// FormatDemand renders a demand count, spelling out Unbounded.
func FormatDemand(n int64) string {
	if n == Unbounded {
		return "unbounded"
	}
	return fmt.Sprintf("%d", n)
}
