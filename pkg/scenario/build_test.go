package scenario

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/streamcheck/pkg/stream"
	"github.com/cgast/streamcheck/pkg/verify"
)

func mustParse(t *testing.T, data string) Scenario {
	t.Helper()
	sc, err := ParseScenario([]byte(data), nil)
	require.NoError(t, err)
	return sc
}

func TestBuildScript(t *testing.T) {
	sc := mustParse(t, pairYAML)

	script, err := Build(sc)
	require.NoError(t, err)
	assert.Equal(t, "pair", script.Name())
	assert.Equal(t, int64(1), script.InitialDemand())
	assert.Equal(t, 4, script.Len())
	assert.Equal(t, verify.StepExpectComplete, script.Terminal())
	assert.Equal(t, `pair[request(1), expectNext("foo"), thenRequest(1), expectNext("bar"), expectComplete()]`, script.String())
}

func TestBuildDefaultsToUnboundedDemand(t *testing.T) {
	sc := validScenario()

	script, err := Build(sc)
	require.NoError(t, err)
	assert.Equal(t, stream.Unbounded, script.InitialDemand())
}

func TestBuildRejectsInvalidScenario(t *testing.T) {
	sc := validScenario()
	sc.Steps = sc.Steps[:1]

	_, err := Build(sc)
	require.Error(t, err)
	var result ValidationResult
	require.ErrorAs(t, err, &result)
	assert.Equal(t, "steps[0]", result.Errors[0].Field)
}

func TestRunScenarios(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		passes bool
		kind   verify.FailureKind
		state  verify.RunState
	}{
		{
			name:   "stepwise demand",
			yaml:   pairYAML,
			passes: true,
			state:  verify.StateCompleted,
		},
		{
			name: "expected error",
			yaml: `
name: failing
source: {values: [1], error: "boom: disk"}
steps:
  - next: 1
  - error: {contains: boom}
`,
			passes: true,
			state:  verify.StateCompleted,
		},
		{
			name: "extra value",
			yaml: `
name: extra
source: {values: [1, 2], complete: true}
steps:
  - next: 1
  - complete: true
`,
			kind:  verify.KindExpectationMismatch,
			state: verify.StateCompleted,
		},
		{
			name: "demand ignored",
			yaml: `
name: flood
demand: 1
source: {values: [1, 2], complete: true, ignore_demand: true}
steps:
  - next: 1
  - next: 2
  - complete: true
`,
			kind:  verify.KindProtocolViolation,
			state: verify.StateCompleted,
		},
		{
			name: "cancel after count",
			yaml: `
name: head
source: {values: [a, b, c]}
steps:
  - next_count: 2
  - cancel: true
`,
			passes: true,
			state:  verify.StateCancelled,
		},
		{
			name: "silent source",
			yaml: `
name: silent
timeout: 50ms
source: {values: []}
steps:
  - complete: true
`,
			kind:  verify.KindTimeout,
			state: verify.StateTimedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := mustParse(t, tt.yaml)

			result, err := Run(context.Background(), nil, sc)
			assert.Equal(t, tt.state, result.State)
			if tt.passes {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.NotEmpty(t, result.Failures)
			assert.Equal(t, tt.kind, result.Failures[0].Kind)
		})
	}
}

func TestRunUsesRunner(t *testing.T) {
	rec := &recorder{}
	r := verify.NewRunner(verify.WithRecorder(rec))

	result, err := Run(context.Background(), r, mustParse(t, pairYAML))
	require.NoError(t, err)
	require.Len(t, rec.results, 1)
	assert.Equal(t, result.RunID, rec.results[0].RunID)
	assert.Equal(t, "pair", rec.results[0].Script)
}

func TestSourceVariants(t *testing.T) {
	failing := Scenario{
		Name:   "boom",
		Source: SourceSpec{Values: []any{1}, Error: "boom"},
		Steps:  []StepSpec{{NextCount: 1}, {Error: &ErrorSpec{Matcher: "equals", Arg: "boom"}}},
	}
	_, err := Run(context.Background(), nil, failing)
	assert.NoError(t, err)

	failing.Steps[1].Error.Arg = "bang"
	_, err = Run(context.Background(), nil, failing)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "error did not match"), err.Error())
}

type recorder struct {
	results []verify.Result
}

func (r *recorder) Record(result verify.Result) error {
	r.results = append(r.results, result)
	return nil
}
