package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// mockScheduleStore satisfies store.Store for scheduler tests.
type mockScheduleStore struct {
	store.Store
	mu     sync.Mutex
	scheds map[string]*store.ScheduledWorkflow
}

func newMockScheduleStore() *mockScheduleStore {
	return &mockScheduleStore{scheds: make(map[string]*store.ScheduledWorkflow)}
}

func (m *mockScheduleStore) CreateSchedule(_ context.Context, sched *store.ScheduledWorkflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sched
	m.scheds[sched.ID] = &cp
	return nil
}

func (m *mockScheduleStore) GetSchedule(_ context.Context, id string) (*store.ScheduledWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheds[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockScheduleStore) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheds[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		s.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		s.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		s.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockScheduleStore) ListSchedules(_ context.Context, filter store.ScheduleFilter) ([]*store.ScheduledWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledWorkflow
	for _, s := range m.scheds {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// mockRunner tracks RunSource calls.
type mockRunner struct {
	mu     sync.Mutex
	calls  []string
	status schema.RunStatus
	err    error
	block  chan struct{}
}

func (r *mockRunner) RunSource(_ context.Context, source string) (schema.RunStatus, error) {
	r.mu.Lock()
	r.calls = append(r.calls, source)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	if r.status == "" {
		return schema.RunStatusSucceeded, r.err
	}
	return r.status, r.err
}

func (r *mockRunner) sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pastSchedule(id string) *store.ScheduledWorkflow {
	past := time.Now().UTC().Add(-time.Minute)
	return &store.ScheduledWorkflow{
		ID:             id,
		WorkflowName:   "nightly",
		Source:         "/specs/" + id + ".yml",
		CronExpression: "0 2 * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}
}

func TestTickRunsDueSchedules(t *testing.T) {
	st := newMockScheduleStore()
	runner := &mockRunner{}
	s := New(st, runner, testLogger())

	require.NoError(t, st.CreateSchedule(context.Background(), pastSchedule("due")))

	future := time.Now().UTC().Add(time.Hour)
	notDue := pastSchedule("later")
	notDue.NextRunAt = &future
	require.NoError(t, st.CreateSchedule(context.Background(), notDue))

	s.Tick(context.Background())

	assert.Equal(t, []string{"/specs/due.yml"}, runner.sources())

	got, err := st.GetSchedule(context.Background(), "due")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestTickSkipsDisabled(t *testing.T) {
	st := newMockScheduleStore()
	runner := &mockRunner{}
	s := New(st, runner, testLogger())

	disabled := pastSchedule("off")
	disabled.Enabled = false
	require.NoError(t, st.CreateSchedule(context.Background(), disabled))

	s.Tick(context.Background())
	assert.Empty(t, runner.sources())
}

func TestTickRunsNilNextImmediately(t *testing.T) {
	st := newMockScheduleStore()
	runner := &mockRunner{}
	s := New(st, runner, testLogger())

	fresh := pastSchedule("fresh")
	fresh.NextRunAt = nil
	require.NoError(t, st.CreateSchedule(context.Background(), fresh))

	s.Tick(context.Background())
	assert.Equal(t, []string{"/specs/fresh.yml"}, runner.sources())
}

func TestTickDedupsInflight(t *testing.T) {
	st := newMockScheduleStore()
	runner := &mockRunner{block: make(chan struct{})}
	s := New(st, runner, testLogger())

	require.NoError(t, st.CreateSchedule(context.Background(), pastSchedule("slow")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Tick(context.Background())
	}()

	// Wait for the first run to start, then tick again while it blocks.
	require.Eventually(t, func() bool {
		return len(runner.sources()) == 1
	}, time.Second, 5*time.Millisecond)

	s.Tick(context.Background())
	assert.Len(t, runner.sources(), 1, "in-flight schedule must not run twice")

	close(runner.block)
	wg.Wait()
}

func TestRunFailureRecordsError(t *testing.T) {
	st := newMockScheduleStore()
	runner := &mockRunner{err: schema.NewError(schema.ErrCodeStepFailed, "boom")}
	s := New(st, runner, testLogger())

	require.NoError(t, st.CreateSchedule(context.Background(), pastSchedule("bad")))
	s.Tick(context.Background())

	got, err := st.GetSchedule(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt, "a failed run still advances the schedule")
}

func TestRecoverMissed(t *testing.T) {
	st := newMockScheduleStore()
	runner := &mockRunner{}
	s := New(st, runner, testLogger())

	require.NoError(t, st.CreateSchedule(context.Background(), pastSchedule("missed")))

	require.NoError(t, s.RecoverMissed(context.Background()))
	assert.Equal(t, []string{"/specs/missed.yml"}, runner.sources())
}

func TestStartStop(t *testing.T) {
	st := newMockScheduleStore()
	runner := &mockRunner{}
	s := New(st, runner, testLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start is rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	// The initial tick ran the due schedule even before the first ticker
	// fire.
	require.NoError(t, st.CreateSchedule(context.Background(), pastSchedule("initial")))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(runner.sources()) >= 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestNextRunAndParseCron(t *testing.T) {
	s := New(newMockScheduleStore(), &mockRunner{}, testLogger())

	from := time.Date(2026, 8, 31, 1, 0, 0, 0, time.UTC)
	next, err := s.NextRun("0 2 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 31, 2, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("not a cron", from)
	assert.Error(t, err)

	_, err = ParseCron("*/15 * * * *")
	assert.NoError(t, err)

	_, err = ParseCron("61 * * * *")
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}
