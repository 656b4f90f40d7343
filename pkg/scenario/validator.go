package scenario

import (
	"fmt"
	"strings"
	"time"

	"github.com/cgast/streamcheck/pkg/verify"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult holds all validation errors for a scenario.
type ValidationResult struct {
	Errors []ValidationError
}

// Valid returns true if no validation errors were found.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error returns a combined error message from all validation errors.
func (r ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Err returns the result as an error, or nil when it is valid.
func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return r
}

func (r *ValidationResult) add(field, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateScenario checks a Scenario for required fields and a well-formed
// step list: one key per step, positive counts, known error matchers, and a
// single terminal step in last position.
func ValidateScenario(sc Scenario) ValidationResult {
	var result ValidationResult

	if strings.TrimSpace(sc.Name) == "" {
		result.add("name", "required")
	}

	if sc.Demand != nil && *sc.Demand <= 0 {
		result.add("demand", "must be positive, got %d", int64(*sc.Demand))
	}

	if sc.Timeout != "" {
		if d, err := time.ParseDuration(sc.Timeout); err != nil {
			result.add("timeout", "invalid duration %q", sc.Timeout)
		} else if d < 0 {
			result.add("timeout", "must not be negative")
		}
	}

	if sc.Source.Complete && sc.Source.Error != "" {
		result.add("source", "complete and error are mutually exclusive")
	}

	varNames := make(map[string]bool)
	for i, v := range sc.Vars {
		field := fmt.Sprintf("vars[%d].name", i)
		switch {
		case v.Name == "":
			result.add(field, "required")
		case varNames[v.Name]:
			result.add(field, "duplicate var name %q", v.Name)
		default:
			varNames[v.Name] = true
		}
	}

	if len(sc.Steps) == 0 {
		result.add("steps", "required")
		return result
	}

	for i, st := range sc.Steps {
		validateStep(&result, i, st)
	}

	last := len(sc.Steps) - 1
	if !sc.Steps[last].Terminal() {
		result.add(fmt.Sprintf("steps[%d]", last), "last step must be complete, cancel or error")
	}
	for i, st := range sc.Steps[:last] {
		if st.Terminal() {
			result.add(fmt.Sprintf("steps[%d]", i), "terminal step must be last")
		}
	}

	return result
}

func validateStep(result *ValidationResult, i int, st StepSpec) {
	field := fmt.Sprintf("steps[%d]", i)

	set := st.fields()
	switch len(set) {
	case 0:
		result.add(field, "empty step")
		return
	case 1:
	default:
		result.add(field, "step sets more than one of %s", strings.Join(set, ", "))
		return
	}

	switch {
	case st.NextCount < 0:
		result.add(field+".next_count", "must be positive, got %d", st.NextCount)
	case st.Request != nil && *st.Request <= 0:
		result.add(field+".request", "must be positive, got %d", int64(*st.Request))
	case st.Error != nil:
		if _, err := matcherFor(*st.Error); err != nil {
			result.add(field+".error", "%v", err)
		}
	}
}

// matcherFor resolves an ErrorSpec through the verify matcher registry.
func matcherFor(spec ErrorSpec) (verify.ErrorMatcher, error) {
	factory := verify.LookupErrorMatcher(spec.Matcher)
	if factory == nil {
		return verify.ErrorMatcher{}, fmt.Errorf("unknown error matcher %q", spec.Matcher)
	}
	return factory(spec.Arg)
}
