package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/internal/actions"
	"github.com/conveyorci/conveyor/internal/envs"
	"github.com/conveyorci/conveyor/internal/expressions"
	"github.com/conveyorci/conveyor/internal/matrix"
	"github.com/conveyorci/conveyor/internal/secrets"
	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/internal/streaming"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// DefaultMaxConcurrency bounds parallel job instances when the caller
// does not choose a limit.
const DefaultMaxConcurrency = 4

// Config assembles an Engine's collaborators. Zero values get working
// defaults: a no-op recorder, the process env resolver, and the default
// slog logger.
type Config struct {
	Shell    ShellExecutor
	Actions  *actions.Registry
	Vault    secrets.Vault
	Recorder Recorder
	Hub      streaming.EventHub
	Resolver *envs.Resolver
	Logger   *slog.Logger
}

// Options tunes one run.
type Options struct {
	// Trigger is the event that caused the run (manual, schedule, ...).
	Trigger string
	// Source is the spec file path, recorded for history.
	Source string
	// MaxConcurrency bounds parallel job instances. Zero means
	// DefaultMaxConcurrency.
	MaxConcurrency int
	// CancelAfter cancels the whole run after the given duration.
	// Zero means no deadline.
	CancelAfter time.Duration
	// WorkingDirectoryRoot is the base directory steps run under.
	WorkingDirectoryRoot string
}

// Engine expands a workflow into job instances and drives them to
// completion through a bounded runner pool.
type Engine struct {
	shell    ShellExecutor
	actions  *actions.Registry
	interp   *expressions.Interpolator
	cel      *expressions.CELEngine
	resolver *envs.Resolver
	recorder Recorder
	hub      streaming.EventHub
	logger   *slog.Logger
}

func New(cfg Config) (*Engine, error) {
	if cfg.Shell == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine config requires a shell executor")
	}
	if cfg.Actions == nil {
		cfg.Actions = actions.NewRegistry()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = envs.NewResolver()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Engine{
		shell:    cfg.Shell,
		actions:  cfg.Actions,
		interp:   expressions.NewInterpolator(cfg.Vault),
		cel:      cel,
		resolver: cfg.Resolver,
		recorder: cfg.Recorder,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
	}, nil
}

// Run executes every job of the workflow: matrix expansion first, then
// fan-out through the runner pool. Expansion or planning errors return
// before anything executes; execution failures come back inside the
// AggregateResult, not as an error.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, opts Options) (*AggregateResult, error) {
	if wf == nil || len(wf.Jobs) == 0 {
		return nil, schema.NewError(schema.ErrCodeMalformedSpec, "workflow has no jobs")
	}

	runID := uuid.NewString()
	plans, err := e.plan(ctx, runID, wf)
	if err != nil {
		return nil, err
	}

	if opts.CancelAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.CancelAfter)
		defer cancel()
	}

	result := &AggregateResult{
		RunID:     runID,
		Workflow:  wf.Name,
		Status:    schema.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	log := e.logger.With("run_id", runID, "workflow", wf.Name)
	log.Info("run started", "jobs", len(wf.Jobs), "instances", len(plans), "trigger", opts.Trigger)

	startedAt := result.StartedAt
	if err := e.recorder.CreateRun(ctx, &store.Run{
		ID:           runID,
		WorkflowName: wf.Name,
		Source:       opts.Source,
		Trigger:      opts.Trigger,
		Status:       schema.RunStatusRunning,
		CreatedAt:    startedAt,
		StartedAt:    &startedAt,
	}); err != nil {
		return nil, err
	}
	e.appendRunEvent(ctx, runID, schema.EventRunStarted, runEventPayload{
		Workflow:  wf.Name,
		Trigger:   opts.Trigger,
		Instances: len(plans),
	})
	e.publishRun(ctx, runID, wf.Name, schema.EventRunStarted)

	for _, plan := range plans {
		if err := e.recorder.CreateJobInstance(ctx, &store.JobInstance{
			ID:           plan.ID,
			RunID:        runID,
			JobName:      plan.Job.Name,
			InstanceName: plan.Name,
			Matrix:       plan.Combination.Values,
			RunsOn:       plan.RunsOn,
			Status:       schema.InstanceStatusPending,
		}); err != nil {
			return nil, err
		}
	}

	runner := &JobRunner{
		shell:      e.shell,
		actions:    e.actions,
		interp:     e.interp,
		cel:        e.cel,
		resolver:   e.resolver,
		recorder:   e.recorder,
		hub:        e.hub,
		instFSM:    NewInstanceFSM(e.recorder),
		stepFSM:    NewStepFSM(e.recorder),
		logger:     e.logger,
		baseLayers: []envs.Layer{envs.ProcessLayer()},
		workRoot:   opts.WorkingDirectoryRoot,
	}

	size := opts.MaxConcurrency
	if size <= 0 {
		size = DefaultMaxConcurrency
	}
	pool := NewRunnerPool(size)
	defer pool.Shutdown()

	var mu sync.Mutex
	results := make([]InstanceResult, len(plans))

	for i, plan := range plans {
		i, plan := i, plan
		err := pool.Submit(ctx, func(ctx context.Context) error {
			res := runner.RunInstance(ctx, plan)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
		if err != nil {
			// Submission only fails on cancellation; the slot never ran.
			mu.Lock()
			results[i] = cancelledResult(plan)
			mu.Unlock()
		}
	}
	pool.Wait()

	result.Instances = results
	result.FinishedAt = time.Now().UTC()

	_, failed, cancelled := result.Counts()
	switch {
	case cancelled > 0 && ctx.Err() != nil:
		result.Status = schema.RunStatusCancelled
	case failed > 0:
		result.Status = schema.RunStatusFailed
	case cancelled > 0:
		result.Status = schema.RunStatusCancelled
	default:
		result.Status = schema.RunStatusSucceeded
	}

	// Terminal bookkeeping survives a cancelled run context.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	succeeded, _, _ := result.Counts()
	e.appendRunEvent(finishCtx, runID, schema.EventRunFinished, runEventPayload{
		Workflow:  wf.Name,
		Status:    string(result.Status),
		Instances: len(plans),
		Succeeded: succeeded,
		Failed:    failed,
		Cancelled: cancelled,
	})
	e.publishRun(finishCtx, runID, wf.Name, schema.EventRunFinished)

	completedAt := result.FinishedAt
	update := store.RunUpdate{Status: &result.Status, CompletedAt: &completedAt}
	if result.Status == schema.RunStatusFailed {
		if raw, merr := json.Marshal(schema.NewErrorf(schema.ErrCodeStepFailed, "%d of %d instances failed", failed, len(plans))); merr == nil {
			update.Error = raw
		}
	}
	if err := e.recorder.UpdateRun(finishCtx, runID, update); err != nil {
		log.Error("persist run failed", "error", err)
	}

	log.Info("run finished", "status", string(result.Status),
		"succeeded", succeeded, "failed", failed, "cancelled", cancelled)
	return result, nil
}

// plan expands every job's matrix into concrete instance plans. All
// expansion happens before any execution so a bad matrix aborts the run
// cleanly.
func (e *Engine) plan(ctx context.Context, runID string, wf *schema.Workflow) ([]instancePlan, error) {
	var plans []instancePlan
	for i := range wf.Jobs {
		job := &wf.Jobs[i]
		combos, err := matrix.Expand(job)
		if err != nil {
			return nil, err
		}
		for _, combo := range combos {
			runsOn, err := e.resolveRunsOn(ctx, job, combo)
			if err != nil {
				return nil, err
			}
			plans = append(plans, instancePlan{
				ID:           uuid.NewString(),
				RunID:        runID,
				WorkflowName: wf.Name,
				WorkflowEnv:  wf.Env,
				Job:          job,
				Combination:  combo,
				Name:         matrix.InstanceName(job.Name, combo),
				RunsOn:       runsOn,
			})
		}
	}
	return plans, nil
}

// resolveRunsOn interpolates the job's runner selector against the
// combination, so `runs-on: ${{ matrix.os }}` labels each instance.
func (e *Engine) resolveRunsOn(ctx context.Context, job *schema.Job, combo matrix.Combination) (string, error) {
	if !expressions.HasInterpolation(job.RunsOn) {
		return job.RunsOn, nil
	}
	scope := &expressions.Scope{
		Matrix: combo.Values,
		Job:    map[string]any{"name": job.Name},
	}
	resolved, err := e.interp.Resolve(ctx, job.RunsOn, scope)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation, "runs-on for job %q: %v", job.Name, err).
			WithJob(job.Name).WithCause(err)
	}
	return resolved, nil
}

func (e *Engine) appendRunEvent(ctx context.Context, runID, eventType string, payload runEventPayload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	if err := e.recorder.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    eventType,
		Payload: raw,
	}); err != nil {
		e.logger.Error("append run event failed", "run_id", runID, "type", eventType, "error", err)
	}
}

func (e *Engine) publishRun(ctx context.Context, runID, workflow, eventType string) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		EventType: eventType,
		Payload:   workflow,
	})
}

type runEventPayload struct {
	Workflow  string `json:"workflow"`
	Trigger   string `json:"trigger,omitempty"`
	Status    string `json:"status,omitempty"`
	Instances int    `json:"instances"`
	Succeeded int    `json:"succeeded,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Cancelled int    `json:"cancelled,omitempty"`
}

func cancelledResult(plan instancePlan) InstanceResult {
	now := time.Now().UTC()
	return InstanceResult{
		InstanceID:   plan.ID,
		Job:          plan.Job.Name,
		InstanceName: plan.Name,
		Matrix:       plan.Combination.Values,
		RunsOn:       plan.RunsOn,
		Status:       schema.InstanceStatusCancelled,
		Err:          fmt.Errorf("run cancelled before instance started"),
		StartedAt:    now,
		FinishedAt:   now,
	}
}
