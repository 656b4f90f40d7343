package verify

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/cgast/streamcheck/pkg/stream"
)

// LastStep holds the calls that finish a script. Each returns the built
// script, or the first ConfigurationError recorded while building it.
type LastStep[T any] interface {
	// ExpectComplete expects the producer to complete.
	ExpectComplete() (*Script[T], error)

	// ExpectError expects the producer to fail with any error.
	ExpectError() (*Script[T], error)

	// ExpectErrorIs expects an error matching target under errors.Is.
	ExpectErrorIs(target error) (*Script[T], error)

	// ExpectErrorMatching expects an error accepted by m.
	ExpectErrorMatching(m ErrorMatcher) (*Script[T], error)

	// ExpectErrorWith expects an error accepted by pred.
	ExpectErrorWith(pred func(error) bool) (*Script[T], error)

	// ExpectErrorMessage expects an error whose message contains substr.
	ExpectErrorMessage(substr string) (*Script[T], error)

	// ThenCancel cancels the subscription once every earlier step is satisfied.
	ThenCancel() (*Script[T], error)
}

// Step holds the calls available between the first and the terminal step.
type Step[T any] interface {
	LastStep[T]

	// ExpectNext expects the given values, in order, compared with go-cmp.
	ExpectNext(values ...T) Step[T]

	// ExpectNextWith expects one value accepted by pred.
	ExpectNextWith(pred func(T) bool) Step[T]

	// ExpectNextMatches is ExpectNextWith with a description used in failures.
	ExpectNextMatches(description string, pred func(T) bool) Step[T]

	// ExpectNextCount expects n values of any content.
	ExpectNextCount(n int64) Step[T]

	// ThenRequest issues request(n) once every earlier step is satisfied.
	ThenRequest(n int64) Step[T]

	// Then runs fn once every earlier step is satisfied. fn runs on the
	// goroutine delivering signals, outside the verifier's lock.
	Then(fn func()) Step[T]
}

// FirstStep is returned by Create and CreateWithDemand.
type FirstStep[T any] interface {
	Step[T]

	// Named labels the script in failures, logs and reports.
	Named(name string) Step[T]
}

// Create starts a script that requests an unbounded number of values on
// subscription.
func Create[T any]() FirstStep[T] {
	return CreateWithDemand[T](stream.Unbounded)
}

// CreateWithDemand starts a script that requests n values on subscription.
// A non-positive n is reported by the terminal call.
func CreateWithDemand[T any](n int64) FirstStep[T] {
	b := &builder[T]{initialDemand: n}
	if n <= 0 {
		b.fail(configErrorf("create", "initial demand must be positive, got %d", n))
	}
	return b
}

// Must returns s or panics if err is non-nil. It is meant for scripts built
// in test bodies and package-level variables.
func Must[T any](s *Script[T], err error) *Script[T] {
	if err != nil {
		panic(err)
	}
	return s
}

// builder accumulates steps. It is single-use: calls made after a terminal
// step, or after a configuration error, are recorded but have no effect on
// any script already returned.
type builder[T any] struct {
	name          string
	initialDemand int64
	steps         []scriptStep[T]
	err           *ConfigurationError
	done          bool
}

func (b *builder[T]) fail(err *ConfigurationError) {
	if b.err == nil {
		b.err = err
	}
}

func (b *builder[T]) add(op string, st scriptStep[T]) {
	if b.done {
		b.fail(configErrorf(op, "script already has a terminal step"))
		return
	}
	if b.err != nil {
		return
	}
	b.steps = append(b.steps, st)
}

func (b *builder[T]) Named(name string) Step[T] {
	b.name = name
	return b
}

func (b *builder[T]) ExpectNext(values ...T) Step[T] {
	if len(values) == 0 {
		b.fail(configErrorf("expectNext", "at least one value is required"))
		return b
	}
	for _, v := range values {
		b.add("expectNext", scriptStep[T]{
			kind:        StepExpectNext,
			description: "expectNext(" + formatValue(v) + ")",
			checkValue:  equalTo(v),
		})
	}
	return b
}

func (b *builder[T]) ExpectNextWith(pred func(T) bool) Step[T] {
	return b.ExpectNextMatches("", pred)
}

func (b *builder[T]) ExpectNextMatches(description string, pred func(T) bool) Step[T] {
	if pred == nil {
		b.fail(configErrorf("expectNextWith", "predicate must not be nil"))
		return b
	}
	desc := "expectNextWith(predicate)"
	if description != "" {
		desc = "expectNextWith(" + description + ")"
	}
	b.add("expectNextWith", scriptStep[T]{
		kind:        StepExpectNext,
		description: desc,
		checkValue: func(v T) (bool, string) {
			if pred(v) {
				return true, ""
			}
			return false, "predicate rejected value"
		},
	})
	return b
}

func (b *builder[T]) ExpectNextCount(n int64) Step[T] {
	if n <= 0 {
		b.fail(configErrorf("expectNextCount", "count must be positive, got %d", n))
		return b
	}
	b.add("expectNextCount", scriptStep[T]{
		kind:        StepExpectCount,
		description: fmt.Sprintf("expectNextCount(%d)", n),
		n:           n,
	})
	return b
}

func (b *builder[T]) ThenRequest(n int64) Step[T] {
	if n <= 0 {
		b.fail(configErrorf("thenRequest", "demand must be positive, got %d", n))
		return b
	}
	b.add("thenRequest", scriptStep[T]{
		kind:        StepRequest,
		description: "thenRequest(" + stream.FormatDemand(n) + ")",
		n:           n,
	})
	return b
}

func (b *builder[T]) Then(fn func()) Step[T] {
	if fn == nil {
		b.fail(configErrorf("then", "action must not be nil"))
		return b
	}
	b.add("then", scriptStep[T]{
		kind:        StepThen,
		description: "then(action)",
		run:         fn,
	})
	return b
}

func (b *builder[T]) ExpectComplete() (*Script[T], error) {
	return b.finish("expectComplete", scriptStep[T]{
		kind:        StepExpectComplete,
		description: "expectComplete()",
	})
}

func (b *builder[T]) ExpectError() (*Script[T], error) {
	return b.ExpectErrorMatching(AnyError())
}

func (b *builder[T]) ExpectErrorIs(target error) (*Script[T], error) {
	if target == nil {
		b.fail(configErrorf("expectErrorIs", "target must not be nil"))
	}
	return b.ExpectErrorMatching(ErrorIs(target))
}

func (b *builder[T]) ExpectErrorWith(pred func(error) bool) (*Script[T], error) {
	if pred == nil {
		b.fail(configErrorf("expectErrorWith", "predicate must not be nil"))
	}
	return b.ExpectErrorMatching(ErrorMatcher{Description: "predicate", Match: pred})
}

func (b *builder[T]) ExpectErrorMessage(substr string) (*Script[T], error) {
	return b.ExpectErrorMatching(ErrorContains(substr))
}

func (b *builder[T]) ExpectErrorMatching(m ErrorMatcher) (*Script[T], error) {
	desc := "expectError()"
	if m.Description != "" {
		desc = "expectError(" + m.Description + ")"
	}
	return b.finish("expectError", scriptStep[T]{
		kind:        StepExpectError,
		description: desc,
		checkError:  m.Match,
	})
}

func (b *builder[T]) ThenCancel() (*Script[T], error) {
	return b.finish("thenCancel", scriptStep[T]{
		kind:        StepCancel,
		description: "thenCancel()",
	})
}

func (b *builder[T]) finish(op string, terminal scriptStep[T]) (*Script[T], error) {
	b.add(op, terminal)
	b.done = true
	if b.err != nil {
		return nil, b.err
	}

	steps := make([]scriptStep[T], len(b.steps))
	copy(steps, b.steps)
	return &Script[T]{
		name:          b.name,
		initialDemand: b.initialDemand,
		steps:         steps,
	}, nil
}

// cmpOptions compare unexported fields too, so arbitrary value types can be
// expected without a custom comparer.
var cmpOptions = cmp.Options{
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

func equalTo[T any](want T) valueCheck[T] {
	return func(got T) (bool, string) {
		if cmp.Equal(want, got, cmpOptions) {
			return true, ""
		}
		return false, "value mismatch (-want +got):\n" + strings.TrimRight(cmp.Diff(want, got, cmpOptions), "\n")
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case error:
		return fmt.Sprintf("error(%q)", x.Error())
	default:
		return fmt.Sprintf("%v", v)
	}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
