package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Job instances
	CreateJobInstance(ctx context.Context, inst *JobInstance) error
	UpdateJobInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListJobInstances(ctx context.Context, runID string) ([]*JobInstance, error)

	// Step results (materialized view)
	UpsertStepResult(ctx context.Context, result *StepResult) error
	ListStepResults(ctx context.Context, instanceID string) ([]*StepResult, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Scheduled workflows
	CreateSchedule(ctx context.Context, sched *ScheduledWorkflow) error
	GetSchedule(ctx context.Context, id string) (*ScheduledWorkflow, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduledWorkflow, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
