package verify

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a malformed script. It is returned by the
// terminal builder call and never reaches a producer.
type ConfigurationError struct {
	Op      string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func configErrorf(op, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// FailureKind classifies a recorded failure.
type FailureKind string

const (
	KindExpectationMismatch FailureKind = "expectation_mismatch"
	KindProtocolViolation   FailureKind = "protocol_violation"
	KindTimeout             FailureKind = "timeout"
)

// Sentinels matched by errors.Is against a Failure or a VerificationError.
var (
	ErrExpectationMismatch = errors.New("expectation mismatch")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrTimeout             = errors.New("timed out")
)

// Failure records one mismatch between the script and the observed signals.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	StepIndex int         `json:"step_index"`
	Expected  string      `json:"expected"`
	Actual    string      `json:"actual"`
	Message   string      `json:"message"`
}

func (f Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d: %s", f.StepIndex, f.Message)
	if f.Expected != "" || f.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, got %s)", f.Expected, f.Actual)
	}
	return b.String()
}

func (f Failure) Unwrap() error {
	switch f.Kind {
	case KindExpectationMismatch:
		return ErrExpectationMismatch
	case KindProtocolViolation:
		return ErrProtocolViolation
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// VerificationError aggregates every failure of one run, in the order recorded.
type VerificationError struct {
	RunID    string
	Script   string
	Failures []Failure
}

func (e *VerificationError) Error() string {
	var b strings.Builder
	name := e.Script
	if name == "" {
		name = "script"
	}
	fmt.Fprintf(&b, "%s: %d expectation failure(s)", name, len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("\n  - ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *VerificationError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
