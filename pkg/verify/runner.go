package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cgast/streamcheck/pkg/events"
	"github.com/cgast/streamcheck/pkg/stream"
)

// Recorder receives the result of every run, for example to persist it.
type Recorder interface {
	Record(result Result) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventBus publishes run, signal, demand and failure events to bus.
func WithEventBus(bus events.EventBus) Option {
	return func(r *Runner) {
		r.bus = bus
	}
}

// WithRecorder hands every finished run to rec. Recorder errors are logged
// and never change the verdict.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithDefaultTimeout bounds how long a run waits for a terminal state.
// Zero waits indefinitely.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// Runner drives verification runs. A Runner holds no per-run state and is
// safe for concurrent use.
type Runner struct {
	logger   *slog.Logger
	bus      events.EventBus
	recorder Recorder
	timeout  time.Duration
}

// NewRunner creates a runner with the given options.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultRunner = NewRunner()

func (r *Runner) withTimeout(d time.Duration) *Runner {
	cp := *r
	cp.timeout = d
	return &cp
}

// Result is the outcome of one verification run.
type Result struct {
	RunID    string        `json:"run_id"`
	Script   string        `json:"script"`
	State    RunState      `json:"state"`
	Failures []Failure     `json:"failures"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Passed reports whether the run ended without any failure.
func (r Result) Passed() bool {
	return len(r.Failures) == 0
}

// Err returns a *VerificationError carrying every failure, or nil.
func (r Result) Err() error {
	if r.Passed() {
		return nil
	}
	return &VerificationError{RunID: r.RunID, Script: r.Script, Failures: r.Failures}
}

// Verify subscribes a fresh verifier to p and blocks until the script
// reaches a terminal state. It never times out.
func (s *Script[T]) Verify(p stream.Publisher[T]) error {
	_, err := s.Run(context.Background(), defaultRunner, p)
	return err
}

// VerifyWithin is Verify with a deadline: if no terminal state is reached
// within d the subscription is cancelled and a timeout failure is reported.
func (s *Script[T]) VerifyWithin(p stream.Publisher[T], d time.Duration) error {
	_, err := s.Run(context.Background(), defaultRunner.withTimeout(d), p)
	return err
}

// VerifyContext is Verify bounded by ctx.
func (s *Script[T]) VerifyContext(ctx context.Context, p stream.Publisher[T]) error {
	_, err := s.Run(ctx, defaultRunner, p)
	return err
}

// Run performs one verification run with r, which may be nil for the
// defaults. The returned error is nil, a *ConfigurationError for a nil
// publisher or a script not produced by a terminal builder call, or the
// *VerificationError of the result.
func (s *Script[T]) Run(ctx context.Context, r *Runner, p stream.Publisher[T]) (Result, error) {
	if r == nil {
		r = defaultRunner
	}
	if p == nil {
		return Result{}, configErrorf("verify", "publisher must not be nil")
	}
	if s == nil || len(s.steps) == 0 || !s.steps[len(s.steps)-1].kind.Terminal() {
		return Result{}, configErrorf("verify", "script has no terminal step")
	}

	runID := uuid.NewString()
	name := s.label()
	logger := r.logger.With("run_id", runID, "script", name)
	v := newVerifier(s, runID, logger, r.bus)

	started := time.Now()
	logger.Info("verification started",
		"steps", len(s.steps),
		"initial_demand", stream.FormatDemand(s.initialDemand),
		"timeout", r.timeout)
	r.publish(events.Event{Type: events.EventRunStart, RunID: runID, Data: s.String(), Timestamp: started})

	go subscribe(p, v)
	r.await(ctx, v)

	state, failures := v.snapshot()
	result := Result{
		RunID:    runID,
		Script:   name,
		State:    state,
		Failures: failures,
		Started:  started,
		Duration: time.Since(started),
	}

	if result.Passed() {
		logger.Info("verification passed", "state", state, "duration", result.Duration)
	} else {
		logger.Info("verification failed", "state", state, "failures", len(failures), "duration", result.Duration)
	}
	r.publish(events.Event{
		Type:     events.EventRunEnd,
		RunID:    runID,
		Data:     state,
		Duration: result.Duration,
	})
	if r.recorder != nil {
		if err := r.recorder.Record(result); err != nil {
			logger.Warn("recording result failed", "error", err)
		}
	}

	return result, result.Err()
}

// await blocks until the verifier ends or the deadline or ctx expires.
func (r *Runner) await(ctx context.Context, v interface {
	expire(message string)
	terminated() <-chan struct{}
}) {
	var deadline <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-v.terminated():
	case <-deadline:
		v.expire(fmt.Sprintf("timed out after %s waiting for terminal signal", r.timeout))
	case <-ctx.Done():
		msg := "verification aborted waiting for terminal signal"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "context deadline exceeded waiting for terminal signal"
		}
		v.expire(msg)
	}
}

func (r *Runner) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// subscribe runs on its own goroutine so a producer blocking inside
// Subscribe cannot hold the caller past its deadline.
func subscribe[T any](p stream.Publisher[T], v *verifier[T]) {
	defer func() {
		if r := recover(); r != nil {
			v.fault(KindProtocolViolation, fmt.Sprintf("producer panicked: %v", r), true)
		}
	}()
	p.Subscribe(v)
}

func (v *verifier[T]) terminated() <-chan struct{} {
	return v.done
}

func (s *Script[T]) label() string {
	if s.name == "" {
		return "script"
	}
	return s.name
}
