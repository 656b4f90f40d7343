package verify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cgast/streamcheck/pkg/events"
	"github.com/cgast/streamcheck/pkg/stream"
)

// RunState is the lifecycle state of one verification run.
type RunState string

const (
	StateUnsubscribed RunState = "unsubscribed"
	StateActive       RunState = "active"
	StateCompleted    RunState = "completed"
	StateCancelled    RunState = "cancelled"
	StateTimedOut     RunState = "timed_out"
)

// Terminal reports whether no transition can leave the state.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateTimedOut
}

// effect is a call on the producer side, decided under the lock and performed
// after it is released so that a producer re-entering synchronously cannot
// deadlock the verifier.
type effect struct {
	sub     stream.Subscription
	request int64
	cancel  bool
	run     func()
}

// verifier consumes the signals of one subscription and matches them against
// a script. It is created per run and never reused.
type verifier[T any] struct {
	script *Script[T]
	runID  string
	logger *slog.Logger
	bus    events.EventBus

	mu        sync.Mutex
	state     RunState
	sub       stream.Subscription
	cursor    int
	counted   int64 // values consumed by the current StepExpectCount
	requested int64
	delivered int64
	failures  []Failure
	done      chan struct{}
}

func newVerifier[T any](s *Script[T], runID string, logger *slog.Logger, bus events.EventBus) *verifier[T] {
	return &verifier[T]{
		script: s,
		runID:  runID,
		logger: logger,
		bus:    bus,
		state:  StateUnsubscribed,
		done:   make(chan struct{}),
	}
}

func (v *verifier[T]) OnSubscribe(sub stream.Subscription) {
	v.handle(stream.Subscribed[T](sub))
}

func (v *verifier[T]) OnNext(value T) {
	v.handle(stream.Next(value))
}

func (v *verifier[T]) OnComplete() {
	v.handle(stream.Complete[T]())
}

func (v *verifier[T]) OnError(err error) {
	v.handle(stream.Error[T](err))
}

// handle is the single entry point for producer signals.
func (v *verifier[T]) handle(sig stream.Signal[T]) {
	v.apply(v.locked(func() []effect { return v.transition(sig) }))
}

// locked runs fn with the lock held. A panic in fn ends the run with a
// protocol violation and the lock is always released.
func (v *verifier[T]) locked(fn func() []effect) (effects []effect) {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			effects = v.abort(fmt.Sprintf("verifier panicked: %v", r))
		}
	}()
	return fn()
}

// abort ends the run after a panic under the lock. It bypasses record so a
// panicking bus or logger cannot fire a second time.
func (v *verifier[T]) abort(message string) []effect {
	if v.state.Terminal() {
		return nil
	}
	v.failures = append(v.failures, Failure{
		Kind:      KindProtocolViolation,
		StepIndex: v.cursor,
		Expected:  v.script.describeAt(v.cursor),
		Message:   message,
	})
	var effects []effect
	if v.sub != nil {
		effects = append(effects, effect{sub: v.sub, cancel: true})
	}
	v.finish(StateCompleted)
	return effects
}

func (v *verifier[T]) transition(sig stream.Signal[T]) []effect {
	if v.state.Terminal() {
		v.logger.Debug("signal ignored after run ended", "signal", sig.String(), "state", v.state)
		v.publish(events.EventIgnored, sig.String())
		if sig.Kind == stream.SignalSubscribe && sig.Subscription != nil {
			// A subscription that shows up after the run ended is released at once.
			return []effect{{sub: sig.Subscription, cancel: true}}
		}
		return nil
	}

	switch sig.Kind {
	case stream.SignalSubscribe:
		return v.onSubscribe(sig.Subscription)
	case stream.SignalNext:
		return v.onNext(sig.Value, sig)
	case stream.SignalComplete:
		return v.onComplete(sig)
	case stream.SignalError:
		return v.onError(sig.Err, sig)
	default:
		return nil
	}
}

func (v *verifier[T]) onSubscribe(sub stream.Subscription) []effect {
	if sub == nil {
		v.record(Failure{
			Kind:     KindProtocolViolation,
			Expected: "onSubscribe(subscription)",
			Actual:   "onSubscribe(nil)",
			Message:  "producer passed a nil subscription",
		})
		v.finish(StateCompleted)
		return nil
	}
	if v.state == StateActive {
		v.record(Failure{
			Kind:      KindProtocolViolation,
			StepIndex: v.cursor,
			Expected:  "a single onSubscribe",
			Actual:    "onSubscribe()",
			Message:   "onSubscribe called more than once",
		})
		return []effect{{sub: sub, cancel: true}}
	}

	v.sub = sub
	v.state = StateActive
	v.publish(events.EventSubscribed, nil)

	var effects []effect
	v.request(&effects, v.script.initialDemand)
	v.drainActions(&effects)
	return effects
}

func (v *verifier[T]) onNext(value T, sig stream.Signal[T]) []effect {
	if v.state == StateUnsubscribed {
		v.record(Failure{
			Kind:     KindProtocolViolation,
			Expected: "onSubscribe()",
			Actual:   sig.String(),
			Message:  "value delivered before onSubscribe",
		})
		v.finish(StateCompleted)
		return nil
	}

	v.delivered++
	v.publish(events.EventValue, value)

	var effects []effect
	if v.delivered > v.requested {
		v.record(Failure{
			Kind:      KindProtocolViolation,
			StepIndex: v.cursor,
			Expected:  fmt.Sprintf("at most %s value(s)", stream.FormatDemand(v.requested)),
			Actual:    fmt.Sprintf("%s as value #%d", sig.String(), v.delivered),
			Message:   "demand contract violated",
		})
		v.cancel(&effects)
		v.finish(StateCompleted)
		return effects
	}

	v.drainActions(&effects)
	if v.state.Terminal() {
		return effects
	}
	v.consume(value, sig)
	v.drainActions(&effects)
	return effects
}

func (v *verifier[T]) consume(value T, sig stream.Signal[T]) {
	st := &v.script.steps[v.cursor]
	switch st.kind {
	case StepExpectNext:
		if ok, detail := v.check(st, value); !ok {
			v.record(Failure{
				Kind:      KindExpectationMismatch,
				StepIndex: v.cursor,
				Expected:  st.description,
				Actual:    sig.String(),
				Message:   detail,
			})
		}
		v.cursor++
	case StepExpectCount:
		v.counted++
		if v.counted >= st.n {
			v.cursor++
			v.counted = 0
		}
	default:
		v.record(Failure{
			Kind:      KindExpectationMismatch,
			StepIndex: v.cursor,
			Expected:  st.description,
			Actual:    sig.String(),
			Message:   "unexpected additional value",
		})
	}
}

func (v *verifier[T]) check(st *scriptStep[T], value T) (ok bool, detail string) {
	defer func() {
		if r := recover(); r != nil {
			ok, detail = false, fmt.Sprintf("value predicate panicked: %v", r)
		}
	}()
	return st.checkValue(value)
}

func (v *verifier[T]) onComplete(sig stream.Signal[T]) []effect {
	if v.state == StateUnsubscribed {
		v.record(Failure{
			Kind:     KindProtocolViolation,
			Expected: "onSubscribe()",
			Actual:   sig.String(),
			Message:  "completion delivered before onSubscribe",
		})
		v.finish(StateCompleted)
		return nil
	}

	v.publish(events.EventComplete, nil)
	st := &v.script.steps[v.cursor]
	switch st.kind {
	case StepExpectComplete:
	case StepExpectError:
		v.record(Failure{
			Kind:      KindExpectationMismatch,
			StepIndex: v.cursor,
			Expected:  st.description,
			Actual:    sig.String(),
			Message:   "expected error, got completion",
		})
	default:
		v.record(Failure{
			Kind:      KindExpectationMismatch,
			StepIndex: v.cursor,
			Expected:  v.pendingDescription(st),
			Actual:    sig.String(),
			Message:   "completed early",
		})
	}
	v.finish(StateCompleted)
	return nil
}

func (v *verifier[T]) onError(err error, sig stream.Signal[T]) []effect {
	if v.state == StateUnsubscribed {
		v.record(Failure{
			Kind:     KindProtocolViolation,
			Expected: "onSubscribe()",
			Actual:   sig.String(),
			Message:  "error delivered before onSubscribe",
		})
		v.finish(StateCompleted)
		return nil
	}

	v.publish(events.EventError, errorText(err))
	st := &v.script.steps[v.cursor]
	switch st.kind {
	case StepExpectError:
		if ok, detail := v.matchError(st, err); !ok {
			v.record(Failure{
				Kind:      KindExpectationMismatch,
				StepIndex: v.cursor,
				Expected:  st.description,
				Actual:    sig.String(),
				Message:   detail,
			})
		}
	case StepExpectComplete:
		v.record(Failure{
			Kind:      KindExpectationMismatch,
			StepIndex: v.cursor,
			Expected:  st.description,
			Actual:    sig.String(),
			Message:   "expected completion, got error",
		})
	default:
		v.record(Failure{
			Kind:      KindExpectationMismatch,
			StepIndex: v.cursor,
			Expected:  v.pendingDescription(st),
			Actual:    sig.String(),
			Message:   "errored early",
		})
	}
	v.finish(StateCompleted)
	return nil
}

func (v *verifier[T]) matchError(st *scriptStep[T], err error) (ok bool, detail string) {
	if st.checkError == nil {
		return true, ""
	}
	defer func() {
		if r := recover(); r != nil {
			ok, detail = false, fmt.Sprintf("error predicate panicked: %v", r)
		}
	}()
	if st.checkError(err) {
		return true, ""
	}
	return false, "error did not match"
}

func (v *verifier[T]) pendingDescription(st *scriptStep[T]) string {
	if st.kind == StepExpectCount {
		return fmt.Sprintf("%s with %d of %d value(s) received", st.description, v.counted, st.n)
	}
	return st.description
}

// drainActions executes consecutive action steps at the cursor.
func (v *verifier[T]) drainActions(effects *[]effect) {
	for v.cursor < len(v.script.steps) {
		st := &v.script.steps[v.cursor]
		switch st.kind {
		case StepRequest:
			v.request(effects, st.n)
			v.cursor++
		case StepThen:
			*effects = append(*effects, effect{run: st.run})
			v.cursor++
		case StepCancel:
			v.cancel(effects)
			v.finish(StateCancelled)
			return
		default:
			return
		}
	}
}

// request counts n as issued before the Request call runs, since a
// conforming producer may deliver from inside Request. A producer that
// ignores demand and delivers from another goroutine between this point and
// the call is therefore not flagged.
func (v *verifier[T]) request(effects *[]effect, n int64) {
	v.requested = stream.AddCap(v.requested, n)
	*effects = append(*effects, effect{sub: v.sub, request: n})
	v.publish(events.EventDemand, n)
	v.logger.Debug("demand issued", "n", stream.FormatDemand(n), "requested", stream.FormatDemand(v.requested))
}

func (v *verifier[T]) cancel(effects *[]effect) {
	if v.sub == nil {
		return
	}
	*effects = append(*effects, effect{sub: v.sub, cancel: true})
	v.publish(events.EventCancel, nil)
	v.logger.Debug("subscription cancelled", "step", v.cursor)
}

// finish moves to a terminal state exactly once and releases the subscription.
func (v *verifier[T]) finish(state RunState) {
	if v.state.Terminal() {
		return
	}
	v.state = state
	v.sub = nil
	close(v.done)
}

func (v *verifier[T]) record(f Failure) {
	v.failures = append(v.failures, f)
	v.publish(events.EventFailureRecorded, f)
	if f.Kind == KindProtocolViolation {
		v.logger.Warn("protocol violation", "step", f.StepIndex, "message", f.Message, "actual", f.Actual)
		return
	}
	v.logger.Debug("failure recorded", "kind", f.Kind, "step", f.StepIndex, "message", f.Message)
}

func (v *verifier[T]) publish(typ events.EventType, data any) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(events.Event{
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     v.runID,
		StepIndex: v.cursor,
		Data:      data,
	})
}

func (v *verifier[T]) apply(effects []effect) {
	for _, e := range effects {
		v.perform(e)
	}
}

func (v *verifier[T]) perform(e effect) {
	defer func() {
		if r := recover(); r != nil {
			switch {
			case e.run != nil:
				v.fault(KindExpectationMismatch, fmt.Sprintf("then action panicked: %v", r), false)
			default:
				v.fault(KindProtocolViolation, fmt.Sprintf("subscription panicked: %v", r), true)
			}
		}
	}()

	switch {
	case e.run != nil:
		e.run()
	case e.sub == nil:
	case e.cancel:
		e.sub.Cancel()
	case e.request > 0:
		e.sub.Request(e.request)
	}
}

// fault records a failure raised outside a producer signal. A fatal fault
// cancels the subscription and ends the run.
func (v *verifier[T]) fault(kind FailureKind, message string, fatal bool) {
	v.apply(v.locked(func() []effect {
		if v.state.Terminal() {
			return nil
		}
		v.record(Failure{
			Kind:      kind,
			StepIndex: v.cursor,
			Expected:  v.script.describeAt(v.cursor),
			Message:   message,
		})
		if !fatal {
			return nil
		}
		var effects []effect
		v.cancel(&effects)
		v.finish(StateCompleted)
		return effects
	}))
}

// expire ends a run that has not reached a terminal state, recording a
// timeout failure after the ones already accumulated.
func (v *verifier[T]) expire(message string) {
	v.apply(v.locked(func() []effect {
		if v.state.Terminal() {
			return nil
		}
		v.record(Failure{
			Kind:      KindTimeout,
			StepIndex: v.cursor,
			Expected:  v.script.describeAt(v.cursor),
			Actual:    "no terminal signal",
			Message:   message,
		})
		var effects []effect
		v.cancel(&effects)
		v.finish(StateTimedOut)
		return effects
	}))
}

func (v *verifier[T]) snapshot() (RunState, []Failure) {
	v.mu.Lock()
	defer v.mu.Unlock()

	failures := make([]Failure, len(v.failures))
	copy(failures, v.failures)
	return v.state, failures
}
