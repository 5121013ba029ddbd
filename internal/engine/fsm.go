package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the store's EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Instance FSM ---

type instanceHookKey struct {
	from, to schema.InstanceStatus
}

// InstanceFSM manages job instance lifecycle state transitions.
type InstanceFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[instanceHookKey][]TransitionHook
	after    map[instanceHookKey][]TransitionHook
}

// NewInstanceFSM creates an InstanceFSM that emits events via the given appender.
func NewInstanceFSM(appender EventAppender) *InstanceFSM {
	return &InstanceFSM{
		appender: appender,
		before:   make(map[instanceHookKey][]TransitionHook),
		after:    make(map[instanceHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an instance transition.
func (f *InstanceFSM) OnBefore(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instanceHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an instance transition.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instanceHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an instance state transition, emitting
// the corresponding event. The caller persists the new state.
func (f *InstanceFSM) Transition(ctx context.Context, runID, instanceID string, from, to schema.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	key := instanceHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := instanceEventType(to); eventType != "" && f.appender != nil {
		event := &store.Event{
			RunID:      runID,
			InstanceID: instanceID,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit instance event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusRunning:
		return schema.EventInstanceStarted
	case schema.InstanceStatusSucceeded:
		return schema.EventInstanceSucceeded
	case schema.InstanceStatusFailed:
		return schema.EventInstanceFailed
	case schema.InstanceStatusCancelled:
		return schema.EventInstanceCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step state transition, emitting the
// corresponding event with the given payload. timedOut selects the
// timed-out event variant on a failure transition.
func (f *StepFSM) Transition(ctx context.Context, runID, instanceID, stepID string, from, to schema.StepStatus, payload json.RawMessage, timedOut bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"run_id": runID, "instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := stepEventType(to)
	if to == schema.StepStatusFailed && timedOut {
		eventType = schema.EventStepTimedOut
	}
	if eventType != "" && f.appender != nil {
		event := &store.Event{
			RunID:      runID,
			InstanceID: instanceID,
			StepID:     stepID,
			Type:       eventType,
			Payload:    payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusCancelled:
		return schema.EventStepCancelled
	default:
		return ""
	}
}

// --- Cancel cascade ---

// CancelInstance transitions an instance to cancelled and cancels all its
// non-terminal steps. stepStates maps step ID to current status.
func CancelInstance(ctx context.Context, instFSM *InstanceFSM, stepFSM *StepFSM, runID, instanceID string, currentStatus schema.InstanceStatus, stepStates map[string]schema.StepStatus) error {
	if err := instFSM.Transition(ctx, runID, instanceID, currentStatus, schema.InstanceStatusCancelled); err != nil {
		return err
	}

	for stepID, status := range stepStates {
		if status.Terminal() {
			continue
		}
		if isValidStepTransition(status, schema.StepStatusCancelled) {
			if err := stepFSM.Transition(ctx, runID, instanceID, stepID, status, schema.StepStatusCancelled, nil, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Transition tables ---

// ValidInstanceTransitions defines the allowed state transitions for job instances.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending:   {schema.InstanceStatusRunning, schema.InstanceStatusCancelled},
	schema.InstanceStatusRunning:   {schema.InstanceStatusSucceeded, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusSucceeded: {},
	schema.InstanceStatusFailed:    {},
	schema.InstanceStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusRunning:   {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusSucceeded: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
	schema.StepStatusCancelled: {},
}
