package verify

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrorMatcher decides whether a terminal error satisfies an ExpectError step.
// A nil Match accepts any error.
type ErrorMatcher struct {
	Description string
	Match       func(err error) bool
}

// AnyError accepts every error.
func AnyError() ErrorMatcher {
	return ErrorMatcher{}
}

// ErrorIs accepts errors matching target under errors.Is.
func ErrorIs(target error) ErrorMatcher {
	return ErrorMatcher{
		Description: fmt.Sprintf("is %q", errorText(target)),
		Match: func(err error) bool {
			return errors.Is(err, target)
		},
	}
}

// ErrorAs accepts errors with an E in their chain.
func ErrorAs[E error]() ErrorMatcher {
	var zero E
	return ErrorMatcher{
		Description: fmt.Sprintf("as %T", zero),
		Match: func(err error) bool {
			var target E
			return errors.As(err, &target)
		},
	}
}

// ErrorContains accepts errors whose message contains substr.
func ErrorContains(substr string) ErrorMatcher {
	return ErrorMatcher{
		Description: fmt.Sprintf("message contains %q", substr),
		Match: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), substr)
		},
	}
}

// ErrorMatchesRegexp accepts errors whose message matches pattern.
func ErrorMatchesRegexp(pattern string) (ErrorMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorMatcher{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return ErrorMatcher{
		Description: fmt.Sprintf("message matches %q", pattern),
		Match: func(err error) bool {
			return err != nil && re.MatchString(err.Error())
		},
	}, nil
}

// MatcherFactory builds a matcher from a textual argument, as found in
// declarative scenario files.
type MatcherFactory func(arg string) (ErrorMatcher, error)

var (
	matchersMu sync.RWMutex
	matchers   = map[string]MatcherFactory{
		"any": func(string) (ErrorMatcher, error) { return AnyError(), nil },
		"contains": func(arg string) (ErrorMatcher, error) {
			return ErrorContains(arg), nil
		},
		"equals": func(arg string) (ErrorMatcher, error) {
			return ErrorMatcher{
				Description: fmt.Sprintf("message equals %q", arg),
				Match: func(err error) bool {
					return err != nil && err.Error() == arg
				},
			}, nil
		},
		"matches": ErrorMatchesRegexp,
	}
)

// RegisterErrorMatcher adds a named matcher factory, replacing any existing one.
func RegisterErrorMatcher(name string, factory MatcherFactory) {
	matchersMu.Lock()
	defer matchersMu.Unlock()
	matchers[name] = factory
}

// LookupErrorMatcher returns the factory registered under name, or nil.
func LookupErrorMatcher(name string) MatcherFactory {
	matchersMu.RLock()
	defer matchersMu.RUnlock()
	return matchers[name]
}

func errorText(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
