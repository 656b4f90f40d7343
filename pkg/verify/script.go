package verify

import (
	"fmt"
	"strings"

	"github.com/cgast/streamcheck/pkg/stream"
)

// StepKind identifies what a script step expects or does.
type StepKind int

const (
	StepExpectNext StepKind = iota
	StepExpectCount
	StepRequest
	StepThen
	StepCancel
	StepExpectComplete
	StepExpectError
)

func (k StepKind) String() string {
	switch k {
	case StepExpectNext:
		return "expectNext"
	case StepExpectCount:
		return "expectNextCount"
	case StepRequest:
		return "thenRequest"
	case StepThen:
		return "then"
	case StepCancel:
		return "thenCancel"
	case StepExpectComplete:
		return "expectComplete"
	case StepExpectError:
		return "expectError"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// Terminal reports whether the kind ends a script.
func (k StepKind) Terminal() bool {
	return k == StepCancel || k == StepExpectComplete || k == StepExpectError
}

// Action reports whether the kind is side-effecting rather than an expectation.
// Actions never consume a produced value.
func (k StepKind) Action() bool {
	return k == StepRequest || k == StepThen || k == StepCancel
}

// valueCheck evaluates a delivered value. detail explains a mismatch.
type valueCheck[T any] func(v T) (ok bool, detail string)

type scriptStep[T any] struct {
	kind        StepKind
	description string
	checkValue  valueCheck[T]
	checkError  func(error) bool // nil matches any error
	n           int64            // count for StepExpectCount, demand for StepRequest
	run         func()
}

// StepInfo describes one step of a built script.
type StepInfo struct {
	Index       int
	Kind        StepKind
	Description string
}

func (s StepInfo) String() string {
	return fmt.Sprintf("%d: %s", s.Index, s.Description)
}

// Script is an immutable sequence of steps ending in exactly one terminal
// step. A Script may be verified any number of times, concurrently.
type Script[T any] struct {
	name          string
	initialDemand int64
	steps         []scriptStep[T]
}

// Name returns the label given with Named, or "" if none.
func (s *Script[T]) Name() string {
	return s.name
}

// InitialDemand returns the demand requested on subscription.
func (s *Script[T]) InitialDemand() int64 {
	return s.initialDemand
}

// Len returns the number of steps, terminal step included.
func (s *Script[T]) Len() int {
	return len(s.steps)
}

// Steps describes every step in order.
func (s *Script[T]) Steps() []StepInfo {
	infos := make([]StepInfo, len(s.steps))
	for i, st := range s.steps {
		infos[i] = StepInfo{Index: i, Kind: st.kind, Description: st.description}
	}
	return infos
}

// Terminal returns the kind of the script's terminal step.
func (s *Script[T]) Terminal() StepKind {
	return s.steps[len(s.steps)-1].kind
}

func (s *Script[T]) String() string {
	parts := make([]string, 0, len(s.steps)+1)
	parts = append(parts, "request("+stream.FormatDemand(s.initialDemand)+")")
	for _, st := range s.steps {
		parts = append(parts, st.description)
	}
	return s.label() + "[" + strings.Join(parts, ", ") + "]"
}

// describeAt returns the description of step i, or a marker past the end.
func (s *Script[T]) describeAt(i int) string {
	if i < 0 || i >= len(s.steps) {
		return "end of script"
	}
	return s.steps[i].description
}
