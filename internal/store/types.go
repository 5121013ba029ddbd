package store

import (
	"encoding/json"
	"time"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// Run is the persisted record of one workflow execution.
type Run struct {
	ID           string           `json:"id"`
	WorkflowName string           `json:"workflow_name"`
	Source       string           `json:"source,omitempty"` // spec file path
	Trigger      string           `json:"trigger"`          // manual, schedule
	Status       schema.RunStatus `json:"status"`
	Error        json.RawMessage  `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// JobInstance is the persisted record of one matrix fan-out of a job.
type JobInstance struct {
	ID           string                `json:"id"`
	RunID        string                `json:"run_id"`
	JobName      string                `json:"job_name"`
	InstanceName string                `json:"instance_name"`
	Matrix       map[string]string     `json:"matrix,omitempty"`
	RunsOn       string                `json:"runs_on,omitempty"`
	Status       schema.InstanceStatus `json:"status"`
	Error        json.RawMessage       `json:"error,omitempty"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// StepResult is the persisted outcome of one step within a job instance.
type StepResult struct {
	InstanceID  string            `json:"instance_id"`
	StepIndex   int               `json:"step_index"`
	StepID      string            `json:"step_id,omitempty"`
	Name        string            `json:"name"`
	Status      schema.StepStatus `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the append-only run event log.
type Event struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	InstanceID string          `json:"instance_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// ScheduledWorkflow is a cron-triggered workflow registration.
type ScheduledWorkflow struct {
	ID             string     `json:"id"`
	WorkflowName   string     `json:"workflow_name"`
	Source         string     `json:"source"` // spec file path
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowName string            `json:"workflow_name,omitempty"`
	Status       *schema.RunStatus `json:"status,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// InstanceUpdate specifies mutable fields of a job instance.
type InstanceUpdate struct {
	Status      *schema.InstanceStatus `json:"status,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID      string     `json:"run_id,omitempty"`
	InstanceID string     `json:"instance_id,omitempty"`
	StepID     string     `json:"step_id,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a scheduled workflow.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing scheduled workflows.
type ScheduleFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
