// Package scenario declares verification scripts in YAML together with a
// replay producer to run them against.
package scenario

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cgast/streamcheck/pkg/stream"
)

// Scenario is one script plus the source it is verified against.
type Scenario struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Demand      *Demand    `yaml:"demand" json:"demand,omitempty"`
	Timeout     string     `yaml:"timeout" json:"timeout,omitempty"`
	Vars        []VarDef   `yaml:"vars" json:"vars,omitempty"`
	Source      SourceSpec `yaml:"source" json:"source"`
	Steps       []StepSpec `yaml:"steps" json:"steps"`
}

// VarDef declares a {{name}} variable and its default.
type VarDef struct {
	Name    string `yaml:"name" json:"name"`
	Default any    `yaml:"default" json:"default"`
}

// SourceSpec describes the replay producer.
type SourceSpec struct {
	Values       []any  `yaml:"values" json:"values"`
	Complete     bool   `yaml:"complete" json:"complete"`
	Error        string `yaml:"error" json:"error,omitempty"`
	IgnoreDemand bool   `yaml:"ignore_demand" json:"ignore_demand"`
}

// StepSpec is one script step. Exactly one field is set.
type StepSpec struct {
	Next      yaml.Node  `yaml:"next"`
	NextCount int64      `yaml:"next_count"`
	Request   *Demand    `yaml:"request"`
	Complete  bool       `yaml:"complete"`
	Cancel    bool       `yaml:"cancel"`
	Error     *ErrorSpec `yaml:"error"`
}

// HasNext reports whether the step sets next, including next: null.
func (s StepSpec) HasNext() bool {
	return s.Next.Kind != 0
}

// Terminal reports whether the step ends the script.
func (s StepSpec) Terminal() bool {
	return s.Complete || s.Cancel || s.Error != nil
}

// fields returns the names of the keys the step sets.
func (s StepSpec) fields() []string {
	var set []string
	if s.HasNext() {
		set = append(set, "next")
	}
	if s.NextCount != 0 {
		set = append(set, "next_count")
	}
	if s.Request != nil {
		set = append(set, "request")
	}
	if s.Complete {
		set = append(set, "complete")
	}
	if s.Cancel {
		set = append(set, "cancel")
	}
	if s.Error != nil {
		set = append(set, "error")
	}
	return set
}

// Demand is a request amount: a positive integer or "unbounded".
type Demand int64

// UnmarshalYAML accepts an integer or the string "unbounded".
func (d *Demand) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: demand must be an integer or \"unbounded\"", node.Line)
	}
	if node.Value == "unbounded" {
		*d = Demand(stream.Unbounded)
		return nil
	}
	n, err := strconv.ParseInt(node.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: demand must be an integer or \"unbounded\", got %q", node.Line, node.Value)
	}
	*d = Demand(n)
	return nil
}

func (d Demand) String() string {
	return stream.FormatDemand(int64(d))
}

// ErrorSpec selects a registered error matcher. It is written either as a
// bare name (error: any) or as a single-entry map (error: {contains: boom}).
type ErrorSpec struct {
	Matcher string
	Arg     string
}

// UnmarshalYAML decodes the scalar or single-entry map form.
func (e *ErrorSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.Matcher = node.Value
		return nil
	case yaml.MappingNode:
		if len(node.Content) == 0 {
			e.Matcher = "any"
			return nil
		}
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: error must name exactly one matcher", node.Line)
		}
		e.Matcher = node.Content[0].Value
		e.Arg = node.Content[1].Value
		return nil
	default:
		return fmt.Errorf("line %d: error must be a matcher name or a {matcher: arg} map", node.Line)
	}
}

func (e ErrorSpec) String() string {
	if e.Arg == "" {
		return e.Matcher
	}
	return e.Matcher + " " + strconv.Quote(e.Arg)
}
