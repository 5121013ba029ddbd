package matrix

import (
	"fmt"
	"strings"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// Combination is one point in a matrix cartesian product. Keys preserves
// axis declaration order; Values maps axis name to the bound value.
type Combination struct {
	Keys   []string
	Values map[string]string
}

// Empty reports whether the combination carries no bindings (the single
// combination of a matrix-less job).
func (c Combination) Empty() bool {
	return len(c.Keys) == 0
}

// String renders the binding as "os=linux, arch=amd64" in axis order.
// Used for instance naming and reporting.
func (c Combination) String() string {
	if c.Empty() {
		return ""
	}
	parts := make([]string, 0, len(c.Keys))
	for _, k := range c.Keys {
		parts = append(parts, k+"="+c.Values[k])
	}
	return strings.Join(parts, ", ")
}

// Scope returns the binding as a map[string]any for expression evaluation.
func (c Combination) Scope() map[string]any {
	scope := make(map[string]any, len(c.Values))
	for k, v := range c.Values {
		scope[k] = v
	}
	return scope
}

// Expand produces the cartesian product of a job's matrix axes. The result
// is deterministic: combinations are ordered lexicographically over axis
// declaration order, then value declaration order (the last axis varies
// fastest). A job without a matrix strategy expands to exactly one empty
// combination. An axis with no values is an EMPTY_MATRIX error; zero
// combinations are never silently produced.
func Expand(job *schema.Job) ([]Combination, error) {
	if job.Strategy == nil || job.Strategy.Matrix == nil {
		return []Combination{{Values: map[string]string{}}}, nil
	}

	axes := job.Strategy.Matrix.Axes
	if len(axes) == 0 {
		return nil, schema.NewError(schema.ErrCodeEmptyMatrix, "matrix declares no axes").WithJob(job.Name)
	}

	total := 1
	for _, axis := range axes {
		if len(axis.Values) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeEmptyMatrix,
				"matrix axis %q has no values", axis.Name).WithJob(job.Name)
		}
		total *= len(axis.Values)
	}

	keys := make([]string, len(axes))
	for i, axis := range axes {
		keys[i] = axis.Name
	}

	combos := make([]Combination, 0, total)
	indices := make([]int, len(axes))
	for {
		values := make(map[string]string, len(axes))
		for i, axis := range axes {
			values[axis.Name] = axis.Values[indices[i]]
		}
		combos = append(combos, Combination{Keys: keys, Values: values})

		// Odometer increment: last axis varies fastest.
		i := len(axes) - 1
		for i >= 0 {
			indices[i]++
			if indices[i] < len(axes[i].Values) {
				break
			}
			indices[i] = 0
			i--
		}
		if i < 0 {
			break
		}
	}

	if len(combos) != total {
		// Cannot happen unless the odometer logic breaks; fail loudly.
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"matrix expansion produced %d combinations, expected %d", len(combos), total).WithJob(job.Name)
	}

	return combos, nil
}

// InstanceName renders a human-readable job instance name, e.g.
// "build (os=linux, arch=amd64)" or just "build" for matrix-less jobs.
func InstanceName(jobName string, c Combination) string {
	if c.Empty() {
		return jobName
	}
	return fmt.Sprintf("%s (%s)", jobName, c)
}
