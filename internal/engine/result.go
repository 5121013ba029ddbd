package engine

import (
	"time"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// StepOutcome is the in-memory result of one step of one job instance.
type StepOutcome struct {
	Index      int               `json:"index"`
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Status     schema.StepStatus `json:"status"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	TimedOut   bool              `json:"timed_out,omitempty"`
	Err        error             `json:"-"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
}

// InstanceResult is the in-memory result of one job instance.
type InstanceResult struct {
	InstanceID   string                `json:"instance_id"`
	Job          string                `json:"job"`
	InstanceName string                `json:"instance_name"`
	Matrix       map[string]string     `json:"matrix,omitempty"`
	RunsOn       string                `json:"runs_on,omitempty"`
	Status       schema.InstanceStatus `json:"status"`
	Steps        []StepOutcome         `json:"steps"`
	Err          error                 `json:"-"`
	StartedAt    time.Time             `json:"started_at,omitzero"`
	FinishedAt   time.Time             `json:"finished_at,omitzero"`
}

// AggregateResult is the outcome of one whole pipeline run.
type AggregateResult struct {
	RunID      string           `json:"run_id"`
	Workflow   string           `json:"workflow"`
	Status     schema.RunStatus `json:"status"`
	Instances  []InstanceResult `json:"instances"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Counts returns per-status instance totals.
func (r *AggregateResult) Counts() (succeeded, failed, cancelled int) {
	for _, inst := range r.Instances {
		switch inst.Status {
		case schema.InstanceStatusSucceeded:
			succeeded++
		case schema.InstanceStatusFailed:
			failed++
		case schema.InstanceStatusCancelled:
			cancelled++
		}
	}
	return
}

// Failed reports whether any instance failed.
func (r *AggregateResult) Failed() bool {
	_, failed, _ := r.Counts()
	return failed > 0
}

// ExitCode maps the run status onto the process exit code contract:
// 0 success, 1 execution failure, 3 cancelled.
func (r *AggregateResult) ExitCode() int {
	switch r.Status {
	case schema.RunStatusSucceeded:
		return 0
	case schema.RunStatusCancelled:
		return 3
	default:
		return 1
	}
}
