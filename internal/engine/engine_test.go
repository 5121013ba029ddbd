package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/internal/actions"
	"github.com/conveyorci/conveyor/internal/shell"
	"github.com/conveyorci/conveyor/internal/spec"
	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/internal/validation"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// fakeShell scripts step execution without spawning processes.
type fakeShell struct {
	mu      sync.Mutex
	calls   []shell.Request
	handler func(ctx context.Context, req shell.Request) (*shell.Result, error)
}

func (f *fakeShell) Execute(ctx context.Context, req shell.Request) (*shell.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(ctx, req)
	}
	return &shell.Result{ExitCode: 0}, nil
}

func (f *fakeShell) requests() []shell.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shell.Request(nil), f.calls...)
}

func (f *fakeShell) commands() []string {
	reqs := f.requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Command
	}
	return out
}

// memRecorder captures persistence calls for assertions.
type memRecorder struct {
	mu        sync.Mutex
	runs      []store.Run
	updates   []store.RunUpdate
	instances []store.JobInstance
	steps     []store.StepResult
	events    []store.Event
}

func (r *memRecorder) AppendEvent(_ context.Context, e *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *memRecorder) CreateRun(_ context.Context, run *store.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *memRecorder) UpdateRun(_ context.Context, _ string, update store.RunUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *memRecorder) CreateJobInstance(_ context.Context, inst *store.JobInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = append(r.instances, *inst)
	return nil
}

func (r *memRecorder) UpdateJobInstance(_ context.Context, _ string, _ store.InstanceUpdate) error {
	return nil
}

func (r *memRecorder) UpsertStepResult(_ context.Context, result *store.StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, *result)
	return nil
}

func (r *memRecorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func loadWorkflow(t *testing.T, doc string) *schema.Workflow {
	t.Helper()
	wf, _, err := spec.Load([]byte(doc))
	require.NoError(t, err)
	return wf
}

func newTestEngine(t *testing.T, sh ShellExecutor, rec Recorder) *Engine {
	t.Helper()
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	registry := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(registry, validator))

	eng, err := New(Config{Shell: sh, Actions: registry, Recorder: rec})
	require.NoError(t, err)
	return eng
}

func TestRunAllStepsSucceed(t *testing.T) {
	sh := &fakeShell{}
	rec := &memRecorder{}
	eng := newTestEngine(t, sh, rec)

	wf := loadWorkflow(t, `
name: build
on: [manual]
jobs:
  build:
    runs-on: linux
    steps:
      - name: compile
        run: make build
      - name: test
        run: make test
`)

	result, err := eng.Run(context.Background(), wf, Options{Trigger: "manual"})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, result.Status)
	assert.Equal(t, 0, result.ExitCode())
	require.Len(t, result.Instances, 1)

	inst := result.Instances[0]
	assert.Equal(t, schema.InstanceStatusSucceeded, inst.Status)
	require.Len(t, inst.Steps, 2)
	assert.Equal(t, schema.StepStatusSucceeded, inst.Steps[0].Status)
	assert.Equal(t, schema.StepStatusSucceeded, inst.Steps[1].Status)

	assert.Equal(t, []string{"make build", "make test"}, sh.commands())

	types := rec.eventTypes()
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunFinished, types[len(types)-1])
}

func TestRunMatrixFanoutPerInstanceFailure(t *testing.T) {
	sh := &fakeShell{
		handler: func(_ context.Context, req shell.Request) (*shell.Result, error) {
			if req.Command == "make flaky" {
				return &shell.Result{ExitCode: 1}, nil
			}
			return &shell.Result{ExitCode: 0}, nil
		},
	}
	rec := &memRecorder{}
	eng := newTestEngine(t, sh, rec)

	wf := loadWorkflow(t, `
name: matrix-run
on: [manual]
jobs:
  test:
    runs-on: linux
    strategy:
      matrix:
        os: [alpha, beta]
    steps:
      - run: make prep
      - run: make flaky
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Equal(t, 1, result.ExitCode())
	require.Len(t, result.Instances, 2)
	for _, inst := range result.Instances {
		assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
		require.Len(t, inst.Steps, 2)
		assert.Equal(t, schema.StepStatusSucceeded, inst.Steps[0].Status)
		assert.Equal(t, schema.StepStatusFailed, inst.Steps[1].Status)
	}

	// Both instances ran both steps: matrix fan-out does not fail
	// siblings when one instance fails.
	assert.Len(t, sh.requests(), 4)
	require.Len(t, rec.instances, 2)
	names := []string{rec.instances[0].InstanceName, rec.instances[1].InstanceName}
	assert.ElementsMatch(t, []string{"test (os=alpha)", "test (os=beta)"}, names)
}

func TestRunFailFastSkipsRemainingSteps(t *testing.T) {
	sh := &fakeShell{
		handler: func(_ context.Context, req shell.Request) (*shell.Result, error) {
			if strings.Contains(req.Command, "fail") {
				return &shell.Result{ExitCode: 2}, nil
			}
			return &shell.Result{ExitCode: 0}, nil
		},
	}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  deploy:
    runs-on: linux
    steps:
      - run: setup
      - run: fail here
      - run: never reached
      - run: also never reached
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	inst := result.Instances[0]
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	require.Len(t, inst.Steps, 4)
	assert.Equal(t, schema.StepStatusSucceeded, inst.Steps[0].Status)
	assert.Equal(t, schema.StepStatusFailed, inst.Steps[1].Status)
	assert.Equal(t, schema.StepStatusSkipped, inst.Steps[2].Status)
	assert.Equal(t, schema.StepStatusSkipped, inst.Steps[3].Status)

	assert.Len(t, sh.requests(), 2, "skipped steps never reach the executor")

	require.NotNil(t, inst.Steps[1].ExitCode)
	assert.Equal(t, 2, *inst.Steps[1].ExitCode)
}

func TestRunConditionSkipsStep(t *testing.T) {
	sh := &fakeShell{}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  test:
    runs-on: linux
    strategy:
      matrix:
        os: [alpha, beta]
    steps:
      - name: always
        run: make test
      - name: alpha-only
        if: matrix.os == 'alpha'
        run: make package
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, result.Status)
	ran := 0
	skipped := 0
	for _, inst := range result.Instances {
		assert.Equal(t, schema.InstanceStatusSucceeded, inst.Status, "skipped is not failed")
		switch inst.Steps[1].Status {
		case schema.StepStatusSucceeded:
			ran++
		case schema.StepStatusSkipped:
			skipped++
		}
	}
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, skipped)
	assert.Len(t, sh.requests(), 3)
}

func TestRunInvalidConditionFailsStep(t *testing.T) {
	sh := &fakeShell{}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  test:
    runs-on: linux
    steps:
      - name: guarded
        if: matrix.os
        run: make test
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	inst := result.Instances[0]
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.Equal(t, schema.StepStatusFailed, inst.Steps[0].Status)
	assert.Empty(t, sh.requests(), "a non-boolean condition never launches the step")
}

func TestRunStepOutputsFlowDownstream(t *testing.T) {
	sh := &fakeShell{
		handler: func(_ context.Context, req shell.Request) (*shell.Result, error) {
			if strings.Contains(req.Command, "version") {
				return &shell.Result{ExitCode: 0, Outputs: map[string]string{"version": "1.2.3"}}, nil
			}
			return &shell.Result{ExitCode: 0}, nil
		},
	}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  release:
    runs-on: linux
    steps:
      - id: ver
        run: compute version
      - run: publish ${{ steps.ver.outputs.version }}
      - if: steps.ver.outcome == 'succeeded'
        run: notify
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, result.Status)
	commands := sh.commands()
	require.Len(t, commands, 3)
	assert.Equal(t, "publish 1.2.3", commands[1])
	assert.Equal(t, "notify", commands[2])
}

func TestRunEnvPrecedenceAndExports(t *testing.T) {
	sh := &fakeShell{
		handler: func(_ context.Context, req shell.Request) (*shell.Result, error) {
			if strings.Contains(req.Command, "export") {
				return &shell.Result{
					ExitCode:      0,
					EnvExports:    map[string]string{"TOKEN": "t-123"},
					PathAdditions: []string{"/opt/tool/bin"},
				}, nil
			}
			return &shell.Result{ExitCode: 0}, nil
		},
	}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
env:
  SHARED: workflow
  ONLY_WF: wf
jobs:
  build:
    runs-on: linux
    env:
      SHARED: job
    steps:
      - run: export things
      - run: use things
        env:
          SHARED: step
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSucceeded, result.Status)

	reqs := sh.requests()
	require.Len(t, reqs, 2)

	first := reqs[0].Env
	assert.Equal(t, "job", first["SHARED"], "job env shadows workflow env")
	assert.Equal(t, "wf", first["ONLY_WF"])
	assert.NotContains(t, first, "TOKEN")

	second := reqs[1].Env
	assert.Equal(t, "step", second["SHARED"], "step env shadows job env")
	assert.Equal(t, "t-123", second["TOKEN"], "exports from earlier steps are visible")
	assert.Contains(t, second["PATH"], "/opt/tool/bin")
}

func TestRunStepEnvInterpolation(t *testing.T) {
	sh := &fakeShell{}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  test:
    runs-on: linux
    strategy:
      matrix:
        arch: [amd64]
    steps:
      - run: build
        env:
          TARGET: ${{ matrix.arch }}
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSucceeded, result.Status)

	reqs := sh.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "amd64", reqs[0].Env["TARGET"])
}

func TestRunRunsOnInterpolation(t *testing.T) {
	sh := &fakeShell{}
	rec := &memRecorder{}
	eng := newTestEngine(t, sh, rec)

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  test:
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [linux, darwin]
    steps:
      - run: make test
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	labels := make([]string, 0, 2)
	for _, inst := range result.Instances {
		labels = append(labels, inst.RunsOn)
	}
	assert.ElementsMatch(t, []string{"linux", "darwin"}, labels)
}

func TestRunActionStep(t *testing.T) {
	sh := &fakeShell{}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  setup:
    runs-on: linux
    steps:
      - uses: core/export-env
        with:
          vars:
            REGION: eu-west-1
      - run: deploy
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSucceeded, result.Status)

	reqs := sh.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "eu-west-1", reqs[0].Env["REGION"])
}

func TestRunUnknownActionFailsStep(t *testing.T) {
	sh := &fakeShell{}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  setup:
    runs-on: linux
    steps:
      - uses: core/does-not-exist
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	inst := result.Instances[0]
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	var perr *schema.PipelineError
	require.ErrorAs(t, inst.Steps[0].Err, &perr)
	assert.Equal(t, schema.ErrCodeActionUnavailable, perr.Code)
}

func TestRunTimedOutStepFailsInstance(t *testing.T) {
	sh := &fakeShell{
		handler: func(_ context.Context, req shell.Request) (*shell.Result, error) {
			return &shell.Result{ExitCode: -1, TimedOut: true}, nil
		},
	}
	rec := &memRecorder{}
	eng := newTestEngine(t, sh, rec)

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  slow:
    runs-on: linux
    steps:
      - run: sleep forever
        timeout: 50ms
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	inst := result.Instances[0]
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.True(t, inst.Steps[0].TimedOut)
	assert.Contains(t, rec.eventTypes(), schema.EventStepTimedOut)

	reqs := sh.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 50*time.Millisecond, reqs[0].Timeout)
}

func TestRunInvalidTimeoutFailsStep(t *testing.T) {
	sh := &fakeShell{}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  slow:
    runs-on: linux
    steps:
      - run: anything
        timeout: not-a-duration
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusFailed, result.Instances[0].Status)
	assert.Empty(t, sh.requests())
}

func TestRunCancelAfter(t *testing.T) {
	sh := &fakeShell{
		handler: func(ctx context.Context, req shell.Request) (*shell.Result, error) {
			<-ctx.Done()
			return &shell.Result{ExitCode: -1}, nil
		},
	}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  hang:
    runs-on: linux
    steps:
      - run: block
      - run: after
`)

	result, err := eng.Run(context.Background(), wf, Options{CancelAfter: 30 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	assert.Equal(t, 3, result.ExitCode())

	inst := result.Instances[0]
	assert.Equal(t, schema.InstanceStatusCancelled, inst.Status)
	assert.Equal(t, schema.StepStatusCancelled, inst.Steps[1].Status, "pending steps cancel, not skip")
}

func TestRunEmptyMatrixAbortsBeforeExecution(t *testing.T) {
	sh := &fakeShell{}
	eng := newTestEngine(t, sh, &memRecorder{})

	wf := &schema.Workflow{
		Name: "bad",
		Jobs: []schema.Job{{
			Name:   "test",
			RunsOn: "linux",
			Strategy: &schema.Strategy{Matrix: &schema.Matrix{
				Axes: []schema.Axis{{Name: "os", Values: nil}},
			}},
			Steps: []schema.Step{{Run: "make test"}},
		}},
	}

	result, err := eng.Run(context.Background(), wf, Options{})
	require.Error(t, err)
	assert.Nil(t, result)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeEmptyMatrix, perr.Code)
	assert.Empty(t, sh.requests())
}

func TestRunNoJobs(t *testing.T) {
	eng := newTestEngine(t, &fakeShell{}, &memRecorder{})

	_, err := eng.Run(context.Background(), &schema.Workflow{Name: "empty"}, Options{})
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeMalformedSpec, perr.Code)
}

func TestRunRecordsStepResults(t *testing.T) {
	sh := &fakeShell{
		handler: func(_ context.Context, req shell.Request) (*shell.Result, error) {
			return &shell.Result{ExitCode: 0, Outputs: map[string]string{"sha": "abc123"}}, nil
		},
	}
	rec := &memRecorder{}
	eng := newTestEngine(t, sh, rec)

	wf := loadWorkflow(t, `
on: [manual]
jobs:
  build:
    runs-on: linux
    steps:
      - id: checkout
        run: git rev-parse HEAD
`)

	result, err := eng.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSucceeded, result.Status)

	// One pending-state record at start, one terminal record at finish.
	require.NotEmpty(t, rec.steps)
	final := rec.steps[len(rec.steps)-1]
	assert.Equal(t, "checkout", final.StepID)
	assert.Equal(t, schema.StepStatusSucceeded, final.Status)
	assert.Equal(t, "abc123", final.Outputs["sha"])
	require.Len(t, rec.runs, 1)
	assert.Equal(t, schema.RunStatusRunning, rec.runs[0].Status)
	require.Len(t, rec.updates, 1)
	require.NotNil(t, rec.updates[0].Status)
	assert.Equal(t, schema.RunStatusSucceeded, *rec.updates[0].Status)
}
