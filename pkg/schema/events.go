package schema

// Event type constants for the event sourcing log.
const (
	EventRunStarted  = "run_started"
	EventRunFinished = "run_finished"

	EventInstanceStarted   = "instance_started"
	EventInstanceSucceeded = "instance_succeeded"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepCancelled = "step_cancelled"
	EventStepTimedOut  = "step_timed_out"

	EventStepOutput = "step_output"
)

// RunStatus represents the aggregate state of a whole pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// InstanceStatus represents the lifecycle state of one job instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSucceeded InstanceStatus = "succeeded"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the instance has reached a final state.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusSucceeded || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// StepStatus represents the lifecycle state of a step within a job instance.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step has reached a final state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}
