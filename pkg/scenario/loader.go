package scenario

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadScenario reads a YAML scenario file. Template variables like {{date}}
// and {{var_name}} are interpolated using vars, falling back to the defaults
// declared in the file.
func LoadScenario(path string, vars map[string]string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario %s: %w", path, err)
	}

	sc, err := ParseScenario(data, vars)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// ParseScenario parses YAML data into a Scenario with variable interpolation.
func ParseScenario(data []byte, vars map[string]string) (Scenario, error) {
	// First pass only collects var defaults. Unquoted {{var}} is not valid
	// YAML before interpolation, so a failure here falls back to overrides
	// and the second pass reports real syntax errors.
	var raw struct {
		Vars []VarDef `yaml:"vars"`
	}
	_ = yaml.Unmarshal(data, &raw)

	interpolated := interpolateVars(string(data), buildVarMap(raw.Vars, vars))

	var sc Scenario
	if err := yaml.Unmarshal([]byte(interpolated), &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse interpolated scenario: %w", err)
	}
	return sc, nil
}

// buildVarMap merges built-ins, declared defaults and overrides, in that order.
func buildVarMap(defs []VarDef, overrides map[string]string) map[string]string {
	vars := make(map[string]string)

	now := time.Now()
	vars["date"] = now.Format("2006-01-02")
	vars["datetime"] = now.Format("2006-01-02T15:04:05")

	for _, d := range defs {
		if d.Default != nil {
			vars[d.Name] = fmt.Sprintf("%v", d.Default)
		}
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

var templatePattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

func interpolateVars(s string, vars map[string]string) string {
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(strings.TrimSuffix(match, "}}"), "{{")
		if val, ok := vars[name]; ok {
			return val
		}
		return match
	})
}
