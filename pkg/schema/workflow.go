package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Workflow is the in-memory representation of a pipeline spec: trigger
// events, a workflow-level env layer, and an ordered list of jobs.
// Pure data; construction validates shape only (see internal/validation
// for the full validate-on-load pipeline).
type Workflow struct {
	Name string            `yaml:"name,omitempty"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env,omitempty"`
	Jobs []Job             `yaml:"-"`
}

// Triggers holds the trigger surface of a workflow: plain event names plus
// any cron schedules. The YAML form is either a scalar, a sequence of event
// names, or a mapping whose keys are event names (with `schedule` carrying
// a list of cron entries).
type Triggers struct {
	Events    []string
	Schedules []Schedule
}

// Schedule is a single cron trigger entry.
type Schedule struct {
	Cron string `yaml:"cron"`
}

// Job is one named job: a symbolic runner selector, an optional matrix
// strategy, an optional env layer, and an ordered step list.
type Job struct {
	Name             string            `yaml:"-"`
	RunsOn           string            `yaml:"runs-on"`
	WorkingDirectory string            `yaml:"working-directory,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	Strategy         *Strategy         `yaml:"strategy,omitempty"`
	Steps            []Step            `yaml:"steps"`
}

// Strategy wraps a job's matrix block.
type Strategy struct {
	Matrix *Matrix `yaml:"matrix,omitempty"`
}

// Matrix is an ordered list of axes. Axis declaration order is preserved
// from the document because expansion order depends on it.
type Matrix struct {
	Axes []Axis
}

// Axis is one matrix dimension: a name and its ordered values.
type Axis struct {
	Name   string
	Values []string
}

// StepKind discriminates the two step shapes.
type StepKind string

const (
	StepKindShell  StepKind = "shell"
	StepKindAction StepKind = "action"
)

// Step is a tagged variant: exactly one of Run (Shell step) or Uses
// (Action step) is populated. Validation enforces the invariant.
type Step struct {
	Name             string            `yaml:"name,omitempty"`
	ID               string            `yaml:"id,omitempty"`
	If               string            `yaml:"if,omitempty"`
	Uses             string            `yaml:"uses,omitempty"`
	With             map[string]any    `yaml:"with,omitempty"`
	Run              string            `yaml:"run,omitempty"`
	WorkingDirectory string            `yaml:"working-directory,omitempty"`
	Shell            string            `yaml:"shell,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	Timeout          string            `yaml:"timeout,omitempty"`
}

// Kind returns which variant the step is. Ambiguous shapes (both or
// neither populated) return "" and are rejected by validation.
func (s *Step) Kind() StepKind {
	switch {
	case s.Run != "" && s.Uses == "":
		return StepKindShell
	case s.Uses != "" && s.Run == "":
		return StepKindAction
	default:
		return ""
	}
}

// DisplayName returns the step's name, falling back to its ID, command,
// or action reference.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.ID != "" {
		return s.ID
	}
	if s.Uses != "" {
		return s.Uses
	}
	return s.Run
}

// Lookup returns the job with the given name, or nil.
func (w *Workflow) Lookup(name string) *Job {
	for i := range w.Jobs {
		if w.Jobs[i].Name == name {
			return &w.Jobs[i]
		}
	}
	return nil
}

// --- YAML unmarshalling ---

// UnmarshalYAML decodes a workflow document, preserving job declaration
// order (a plain map would randomize it).
func (w *Workflow) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("workflow: expected mapping, got %s", nodeKind(node))
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "name":
			if err := val.Decode(&w.Name); err != nil {
				return err
			}
		case "on":
			if err := val.Decode(&w.On); err != nil {
				return err
			}
		case "env":
			if err := val.Decode(&w.Env); err != nil {
				return err
			}
		case "jobs":
			if val.Kind != yaml.MappingNode {
				return fmt.Errorf("jobs: expected mapping, got %s", nodeKind(val))
			}
			for j := 0; j < len(val.Content)-1; j += 2 {
				jobKey, jobVal := val.Content[j], val.Content[j+1]
				var job Job
				if err := jobVal.Decode(&job); err != nil {
					return fmt.Errorf("job %q: %w", jobKey.Value, err)
				}
				job.Name = jobKey.Value
				w.Jobs = append(w.Jobs, job)
			}
		}
	}
	return nil
}

// UnmarshalYAML accepts the three trigger forms: a single event name, a
// sequence of event names, or a mapping of event name to configuration.
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		t.Events = []string{node.Value}
		return nil

	case yaml.SequenceNode:
		return node.Decode(&t.Events)

	case yaml.MappingNode:
		for i := 0; i < len(node.Content)-1; i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if key.Value == "schedule" {
				if err := val.Decode(&t.Schedules); err != nil {
					return fmt.Errorf("schedule trigger: %w", err)
				}
				continue
			}
			t.Events = append(t.Events, key.Value)
		}
		return nil
	}
	return fmt.Errorf("on: expected scalar, sequence, or mapping, got %s", nodeKind(node))
}

// UnmarshalYAML decodes a matrix block as an ordered list of axes. Scalar
// axis values are coerced to their string form.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix: expected mapping, got %s", nodeKind(node))
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		axis := Axis{Name: key.Value}
		if val.Kind != yaml.SequenceNode {
			return fmt.Errorf("matrix axis %q: expected sequence, got %s", key.Value, nodeKind(val))
		}
		for _, item := range val.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("matrix axis %q: values must be scalars", key.Value)
			}
			axis.Values = append(axis.Values, item.Value)
		}
		m.Axes = append(m.Axes, axis)
	}
	return nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
