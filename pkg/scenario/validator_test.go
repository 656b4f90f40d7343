package scenario

import (
	"testing"
)

func demandOf(n int64) *Demand {
	d := Demand(n)
	return &d
}

func validScenario() Scenario {
	return Scenario{
		Name:    "test",
		Timeout: "1s",
		Source:  SourceSpec{Values: []any{"a"}, Complete: true},
		Steps: []StepSpec{
			{NextCount: 1},
			{Complete: true},
		},
	}
}

func TestValidateScenarioValid(t *testing.T) {
	result := ValidateScenario(validScenario())
	if !result.Valid() {
		t.Errorf("expected valid, got errors: %s", result.Error())
	}
	if result.Err() != nil {
		t.Errorf("Err() = %v, want nil", result.Err())
	}
}

func TestValidateScenarioMissingName(t *testing.T) {
	sc := validScenario()
	sc.Name = "  "
	assertHasFieldError(t, ValidateScenario(sc), "name")
}

func TestValidateScenarioBadDemand(t *testing.T) {
	sc := validScenario()
	sc.Demand = demandOf(0)
	assertHasFieldError(t, ValidateScenario(sc), "demand")
}

func TestValidateScenarioBadTimeout(t *testing.T) {
	sc := validScenario()
	sc.Timeout = "soon"
	assertHasFieldError(t, ValidateScenario(sc), "timeout")

	sc.Timeout = "-1s"
	assertHasFieldError(t, ValidateScenario(sc), "timeout")
}

func TestValidateScenarioSourceConflict(t *testing.T) {
	sc := validScenario()
	sc.Source.Error = "boom"
	assertHasFieldError(t, ValidateScenario(sc), "source")
}

func TestValidateScenarioNoSteps(t *testing.T) {
	sc := validScenario()
	sc.Steps = nil
	assertHasFieldError(t, ValidateScenario(sc), "steps")
}

func TestValidateScenarioTerminalPlacement(t *testing.T) {
	sc := validScenario()
	sc.Steps = []StepSpec{{Cancel: true}, {NextCount: 1}}
	result := ValidateScenario(sc)
	assertHasFieldError(t, result, "steps[0]")
	assertHasFieldError(t, result, "steps[1]")
}

func TestValidateScenarioStepShape(t *testing.T) {
	sc := validScenario()
	sc.Steps = []StepSpec{
		{},
		{NextCount: 1, Request: demandOf(1)},
		{Request: demandOf(-3)},
		{NextCount: -1},
		{Complete: true},
	}
	result := ValidateScenario(sc)
	assertHasFieldError(t, result, "steps[0]")
	assertHasFieldError(t, result, "steps[1]")
	assertHasFieldError(t, result, "steps[2].request")
	assertHasFieldError(t, result, "steps[3].next_count")
}

func TestValidateScenarioErrorMatchers(t *testing.T) {
	tests := []struct {
		name  string
		spec  ErrorSpec
		valid bool
	}{
		{"any", ErrorSpec{Matcher: "any"}, true},
		{"contains", ErrorSpec{Matcher: "contains", Arg: "boom"}, true},
		{"regexp", ErrorSpec{Matcher: "matches", Arg: "^bo+m$"}, true},
		{"bad regexp", ErrorSpec{Matcher: "matches", Arg: "("}, false},
		{"unknown", ErrorSpec{Matcher: "resembles", Arg: "boom"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := validScenario()
			spec := tt.spec
			sc.Steps = []StepSpec{{Error: &spec}}
			result := ValidateScenario(sc)
			if result.Valid() != tt.valid {
				t.Errorf("Valid() = %v, want %v (%s)", result.Valid(), tt.valid, result.Error())
			}
			if !tt.valid {
				assertHasFieldError(t, result, "steps[0].error")
			}
		})
	}
}

func TestValidateScenarioDuplicateVar(t *testing.T) {
	sc := validScenario()
	sc.Vars = []VarDef{{Name: "x"}, {Name: "x"}, {}}
	result := ValidateScenario(sc)
	assertHasFieldError(t, result, "vars[1].name")
	assertHasFieldError(t, result, "vars[2].name")
}

func TestValidationResultError(t *testing.T) {
	result := ValidationResult{Errors: []ValidationError{
		{Field: "name", Message: "required"},
		{Field: "steps", Message: "required"},
	}}
	want := "validation failed: name: required; steps: required"
	if result.Error() != want {
		t.Errorf("Error() = %q, want %q", result.Error(), want)
	}
	if result.Err() == nil {
		t.Error("Err() should be non-nil for an invalid result")
	}
}

func assertHasFieldError(t *testing.T, result ValidationResult, field string) {
	t.Helper()
	for _, e := range result.Errors {
		if e.Field == field {
			return
		}
	}
	t.Errorf("expected error for field %q, got: %s", field, result.Error())
}
