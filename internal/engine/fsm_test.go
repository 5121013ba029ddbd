package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// memAppender collects events in memory for assertions.
type memAppender struct {
	mu     sync.Mutex
	events []store.Event
}

func (a *memAppender) AppendEvent(_ context.Context, event *store.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *event)
	return nil
}

func (a *memAppender) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Type
	}
	return out
}

func TestInstanceFSMValidTransitions(t *testing.T) {
	app := &memAppender{}
	fsm := NewInstanceFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "r1", "i1", schema.InstanceStatusPending, schema.InstanceStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "r1", "i1", schema.InstanceStatusRunning, schema.InstanceStatusSucceeded))

	assert.Equal(t, []string{schema.EventInstanceStarted, schema.EventInstanceSucceeded}, app.types())
}

func TestInstanceFSMRejectsInvalidTransition(t *testing.T) {
	fsm := NewInstanceFSM(nil)
	ctx := context.Background()

	cases := []struct {
		from, to schema.InstanceStatus
	}{
		{schema.InstanceStatusPending, schema.InstanceStatusSucceeded},
		{schema.InstanceStatusSucceeded, schema.InstanceStatusRunning},
		{schema.InstanceStatusFailed, schema.InstanceStatusSucceeded},
		{schema.InstanceStatusCancelled, schema.InstanceStatusRunning},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "r1", "i1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		var perr *schema.PipelineError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, perr.Code)
	}
}

func TestInstanceFSMHooks(t *testing.T) {
	fsm := NewInstanceFSM(nil)
	var order []string
	fsm.OnBefore(schema.InstanceStatusPending, schema.InstanceStatusRunning, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.InstanceStatusPending, schema.InstanceStatusRunning, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "r1", "i1", schema.InstanceStatusPending, schema.InstanceStatusRunning))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, order)
}

func TestStepFSMEmitsPayload(t *testing.T) {
	app := &memAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	exitCode := 0
	payload, err := json.Marshal(store.StepEventPayload{StepIndex: 0, Name: "build", ExitCode: &exitCode})
	require.NoError(t, err)

	require.NoError(t, fsm.Transition(ctx, "r1", "i1", "build", schema.StepStatusPending, schema.StepStatusRunning, nil, false))
	require.NoError(t, fsm.Transition(ctx, "r1", "i1", "build", schema.StepStatusRunning, schema.StepStatusSucceeded, payload, false))

	require.Len(t, app.events, 2)
	assert.Equal(t, schema.EventStepStarted, app.events[0].Type)
	assert.Equal(t, schema.EventStepSucceeded, app.events[1].Type)
	assert.Equal(t, "build", app.events[1].StepID)

	var got store.StepEventPayload
	require.NoError(t, json.Unmarshal(app.events[1].Payload, &got))
	assert.Equal(t, "build", got.Name)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestStepFSMTimedOutVariant(t *testing.T) {
	app := &memAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "r1", "i1", "slow", schema.StepStatusPending, schema.StepStatusRunning, nil, false))
	require.NoError(t, fsm.Transition(ctx, "r1", "i1", "slow", schema.StepStatusRunning, schema.StepStatusFailed, nil, true))

	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepTimedOut}, app.types())
}

func TestStepFSMSkipFromPendingOnly(t *testing.T) {
	fsm := NewStepFSM(nil)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "r1", "i1", "s", schema.StepStatusPending, schema.StepStatusSkipped, nil, false))
	err := fsm.Transition(ctx, "r1", "i1", "s", schema.StepStatusRunning, schema.StepStatusSkipped, nil, false)
	require.Error(t, err)
}

func TestCancelInstanceCascade(t *testing.T) {
	app := &memAppender{}
	instFSM := NewInstanceFSM(app)
	stepFSM := NewStepFSM(app)

	states := map[string]schema.StepStatus{
		"done":    schema.StepStatusSucceeded,
		"current": schema.StepStatusRunning,
		"queued":  schema.StepStatusPending,
	}
	err := CancelInstance(context.Background(), instFSM, stepFSM, "r1", "i1", schema.InstanceStatusRunning, states)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, typ := range app.types() {
		counts[typ]++
	}
	assert.Equal(t, 1, counts[schema.EventInstanceCancelled])
	assert.Equal(t, 2, counts[schema.EventStepCancelled], "terminal steps are left alone")
}
