package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cgast/streamcheck/pkg/fixture"
	"github.com/cgast/streamcheck/pkg/stream"
	"github.com/cgast/streamcheck/pkg/verify"
)

// Build validates sc and turns its steps into a script over untyped values.
// Expected values compare equal to source values decoded from the same YAML.
func Build(sc Scenario) (*verify.Script[any], error) {
	if err := ValidateScenario(sc).Err(); err != nil {
		return nil, err
	}

	demand := stream.Unbounded
	if sc.Demand != nil {
		demand = int64(*sc.Demand)
	}
	var b verify.Step[any] = verify.CreateWithDemand[any](demand).Named(sc.Name)

	last := len(sc.Steps) - 1
	for i, st := range sc.Steps[:last] {
		switch {
		case st.HasNext():
			var v any
			if err := st.Next.Decode(&v); err != nil {
				return nil, fmt.Errorf("steps[%d].next: %w", i, err)
			}
			b = b.ExpectNext(v)
		case st.NextCount > 0:
			b = b.ExpectNextCount(st.NextCount)
		case st.Request != nil:
			b = b.ThenRequest(int64(*st.Request))
		}
	}

	term := sc.Steps[last]
	switch {
	case term.Complete:
		return b.ExpectComplete()
	case term.Cancel:
		return b.ThenCancel()
	default:
		m, err := matcherFor(*term.Error)
		if err != nil {
			return nil, fmt.Errorf("steps[%d].error: %w", last, err)
		}
		return b.ExpectErrorMatching(m)
	}
}

// Source returns the replay producer described by sc.Source.
func Source(sc Scenario) *fixture.Replay[any] {
	src := sc.Source
	var r *fixture.Replay[any]
	switch {
	case src.Error != "":
		r = fixture.Fail(errors.New(src.Error), src.Values...)
	case src.Complete:
		r = fixture.Just(src.Values...)
	default:
		r = fixture.Never(src.Values...)
	}
	if src.IgnoreDemand {
		r = r.IgnoringDemand()
	}
	return r
}

// TimeoutOf returns the scenario's timeout, or zero when none is set.
func TimeoutOf(sc Scenario) time.Duration {
	d, err := time.ParseDuration(sc.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Run builds sc and verifies it against its own source with r. The scenario
// timeout, when set, bounds the run in addition to ctx and r's default.
func Run(ctx context.Context, r *verify.Runner, sc Scenario) (verify.Result, error) {
	script, err := Build(sc)
	if err != nil {
		return verify.Result{}, err
	}

	if d := TimeoutOf(sc); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return script.Run(ctx, r, Source(sc))
}
