package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeMalformedSpec     = "MALFORMED_SPEC"
	ErrCodeEmptyMatrix       = "EMPTY_MATRIX"
	ErrCodeSpawn             = "SPAWN_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodePathDenied        = "PATH_DENIED"
	ErrCodeVault             = "VAULT_ERROR"
)

// PipelineError is the structured error type for all conveyor operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Job     string         `json:"job,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	switch {
	case e.Job != "" && e.Step != "":
		return fmt.Sprintf("[%s] job %s step %s: %s", e.Code, e.Job, e.Step, e.Message)
	case e.Job != "":
		return fmt.Sprintf("[%s] job %s: %s", e.Code, e.Job, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithJob attaches the job name to the error.
func (e *PipelineError) WithJob(job string) *PipelineError {
	e.Job = job
	return e
}

// WithStep attaches the step name to the error.
func (e *PipelineError) WithStep(step string) *PipelineError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}
