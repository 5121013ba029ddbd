package expressions

import (
	"sync"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// Scope holds all data available for variable resolution at one step of
// one job instance.
type Scope struct {
	Matrix   map[string]string // this instance's matrix combination
	Env      map[string]string // resolved environment at the step
	Job      map[string]any    // job metadata (name, instance, runs_on)
	Workflow map[string]any    // workflow metadata (name, run_id)
	Steps    map[string]any    // step ID -> {"outcome": ..., "outputs": {...}}
}

// Data converts the scope into the flat map consumed by the CEL and Expr
// engines.
func (s *Scope) Data() map[string]any {
	env := make(map[string]any, len(s.Env))
	for k, v := range s.Env {
		env[k] = v
	}
	matrix := make(map[string]any, len(s.Matrix))
	for k, v := range s.Matrix {
		matrix[k] = v
	}
	return map[string]any{
		"matrix":   matrix,
		"env":      env,
		"job":      s.Job,
		"workflow": s.Workflow,
		"steps":    s.Steps,
	}
}

// ScopeBuilder accumulates step results over the life of one job instance
// and produces Scope snapshots. It enforces:
//   - Step results are immutable after completion (frozen on insert).
//   - Append-only: a new result is added after each step finishes.
//   - Snapshots are isolated: mutating a built Scope never affects the
//     builder or other snapshots.
type ScopeBuilder struct {
	mu       sync.RWMutex
	matrix   map[string]string
	job      map[string]any
	workflow map[string]any
	steps    map[string]any
}

// NewScopeBuilder creates a ScopeBuilder for one job instance. matrix,
// job, and workflow are deep-copied to prevent external mutation.
func NewScopeBuilder(matrix map[string]string, job, workflow map[string]any) *ScopeBuilder {
	m := make(map[string]string, len(matrix))
	for k, v := range matrix {
		m[k] = v
	}
	return &ScopeBuilder{
		matrix:   m,
		job:      deepCopyMap(job),
		workflow: deepCopyMap(workflow),
		steps:    make(map[string]any),
	}
}

// AddStepResult registers a completed step's outcome and outputs under its
// step ID. Subsequent calls with the same ID are rejected.
func (sb *ScopeBuilder) AddStepResult(stepID string, outcome schema.StepStatus, outputs map[string]string) error {
	if stepID == "" {
		return nil // anonymous steps are not referenceable
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q result already registered; step results are immutable after completion", stepID)
	}

	outs := make(map[string]any, len(outputs))
	for k, v := range outputs {
		outs[k] = v
	}
	sb.steps[stepID] = map[string]any{
		"outcome": string(outcome),
		"outputs": outs,
	}
	return nil
}

// Build creates a Scope snapshot with the given resolved environment. The
// returned scope is safe for concurrent use.
func (sb *ScopeBuilder) Build(env map[string]string) *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &Scope{
		Matrix:   sb.matrix, // frozen at init
		Env:      env,
		Job:      sb.job,      // frozen at init
		Workflow: sb.workflow, // frozen at init
		Steps:    deepCopyMap(sb.steps),
	}
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices; primitives are
// value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
