package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/conveyorci/conveyor/internal/actions"
	"github.com/conveyorci/conveyor/internal/envs"
	"github.com/conveyorci/conveyor/internal/expressions"
	"github.com/conveyorci/conveyor/internal/matrix"
	"github.com/conveyorci/conveyor/internal/shell"
	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/internal/streaming"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// ShellExecutor runs one shell step to completion. Satisfied by
// shell.Runner.
type ShellExecutor interface {
	Execute(ctx context.Context, req shell.Request) (*shell.Result, error)
}

// instancePlan is everything a JobRunner needs to execute one job instance.
type instancePlan struct {
	ID           string
	RunID        string
	WorkflowName string
	WorkflowEnv  map[string]string
	Job          *schema.Job
	Combination  matrix.Combination
	Name         string
	RunsOn       string
}

// JobRunner executes the steps of one job instance sequentially, with
// fail-fast semantics: the first failed step marks the instance failed and
// all remaining steps are skipped.
type JobRunner struct {
	shell    ShellExecutor
	actions  *actions.Registry
	interp   *expressions.Interpolator
	cel      *expressions.CELEngine
	resolver *envs.Resolver
	recorder Recorder
	hub      streaming.EventHub
	instFSM  *InstanceFSM
	stepFSM  *StepFSM
	logger   *slog.Logger

	baseLayers []envs.Layer
	workRoot   string
}

// RunInstance executes one job instance and returns its result. The
// returned result is always populated; errors during execution surface as
// failed or cancelled statuses, never as a panic or lost instance.
func (r *JobRunner) RunInstance(ctx context.Context, plan instancePlan) InstanceResult {
	result := InstanceResult{
		InstanceID:   plan.ID,
		Job:          plan.Job.Name,
		InstanceName: plan.Name,
		Matrix:       plan.Combination.Values,
		RunsOn:       plan.RunsOn,
		Status:       schema.InstanceStatusRunning,
		StartedAt:    time.Now().UTC(),
	}

	log := r.logger.With("run_id", plan.RunID, "job", plan.Job.Name, "instance", plan.Name)
	log.Info("job instance started", "matrix", plan.Combination.String())

	if err := r.instFSM.Transition(ctx, plan.RunID, plan.ID, schema.InstanceStatusPending, schema.InstanceStatusRunning); err != nil {
		log.Error("instance transition failed", "error", err)
	}
	r.publish(ctx, plan, "", schema.EventInstanceStarted, nil)
	running := schema.InstanceStatusRunning
	startedAt := result.StartedAt
	_ = r.recorder.UpdateJobInstance(ctx, plan.ID, store.InstanceUpdate{Status: &running, StartedAt: &startedAt})

	// Per-instance env scope. Workflow and job layers are fixed; runtime
	// exports accumulate as steps run.
	envScope := envs.NewScope(r.resolver, append(append([]envs.Layer{}, r.baseLayers...),
		envs.Layer{Name: "workflow", Vars: plan.WorkflowEnv},
		envs.Layer{Name: "job", Vars: plan.Job.Env},
	)...)

	sb := expressions.NewScopeBuilder(plan.Combination.Values,
		map[string]any{
			"name":     plan.Job.Name,
			"instance": plan.Name,
			"runs_on":  plan.RunsOn,
		},
		map[string]any{
			"name":   plan.WorkflowName,
			"run_id": plan.RunID,
		},
	)

	var firstFailure *StepOutcome
	failFast := false

	for i := range plan.Job.Steps {
		step := &plan.Job.Steps[i]
		outcome := StepOutcome{
			Index: i,
			ID:    step.ID,
			Name:  step.DisplayName(),
		}

		switch {
		case ctx.Err() != nil:
			outcome.Status = schema.StepStatusCancelled
			r.finishStep(context.WithoutCancel(ctx), plan, step, &outcome, sb)
		case failFast:
			outcome.Status = schema.StepStatusSkipped
			r.finishStep(ctx, plan, step, &outcome, sb)
		default:
			r.runStep(ctx, plan, step, &outcome, envScope, sb)
			if outcome.Status == schema.StepStatusFailed {
				failFast = true
				if firstFailure == nil {
					firstFailure = &outcome
				}
			}
		}

		result.Steps = append(result.Steps, outcome)
	}

	result.FinishedAt = time.Now().UTC()

	switch {
	case ctx.Err() != nil:
		result.Status = schema.InstanceStatusCancelled
		result.Err = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithJob(plan.Job.Name)
	case firstFailure != nil:
		result.Status = schema.InstanceStatusFailed
		result.Err = stepError(plan.Job.Name, firstFailure)
	default:
		result.Status = schema.InstanceStatusSucceeded
	}

	// Transitions and persistence use a fresh context so a cancelled run
	// still records its terminal state.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.instFSM.Transition(finishCtx, plan.RunID, plan.ID, schema.InstanceStatusRunning, result.Status); err != nil {
		log.Error("instance transition failed", "error", err)
	}
	r.publish(finishCtx, plan, "", instanceEventType(result.Status), nil)

	update := store.InstanceUpdate{Status: &result.Status, CompletedAt: &result.FinishedAt}
	if result.Err != nil {
		if raw, err := json.Marshal(result.Err); err == nil {
			update.Error = raw
		}
	}
	_ = r.recorder.UpdateJobInstance(finishCtx, plan.ID, update)

	log.Info("job instance finished", "status", string(result.Status), "steps", len(result.Steps))
	return result
}

// runStep executes one live step (not skipped by fail-fast or cancellation).
func (r *JobRunner) runStep(ctx context.Context, plan instancePlan, step *schema.Step, outcome *StepOutcome, envScope *envs.Scope, sb *expressions.ScopeBuilder) {
	// Resolve the environment visible to this step. Step env values may
	// themselves contain interpolation, resolved against the pre-step env.
	preScope := sb.Build(envScope.ResolveFor(nil))
	stepEnv, err := r.interp.ResolveMap(ctx, step.Env, preScope)
	if err != nil {
		r.failStep(ctx, plan, step, outcome, sb, err)
		return
	}
	resolvedEnv := envScope.ResolveFor(stepEnv)
	scope := sb.Build(resolvedEnv)

	// Condition: false means skipped, not failed. An invalid condition
	// fails the step.
	if step.If != "" {
		ok, err := r.cel.EvaluateCondition(ctx, step.If, scope.Data())
		if err != nil {
			r.failStep(ctx, plan, step, outcome, sb, err)
			return
		}
		if !ok {
			outcome.Status = schema.StepStatusSkipped
			r.finishStep(ctx, plan, step, outcome, sb)
			return
		}
	}

	outcome.StartedAt = time.Now().UTC()
	outcome.Status = schema.StepStatusRunning
	payload := r.stepPayload(step, outcome)
	if err := r.stepFSM.Transition(ctx, plan.RunID, plan.ID, step.ID, schema.StepStatusPending, schema.StepStatusRunning, payload, false); err != nil {
		r.logger.Error("step transition failed", "step", step.DisplayName(), "error", err)
	}
	r.publish(ctx, plan, step.ID, schema.EventStepStarted, nil)
	r.recordStep(ctx, plan, step, outcome)

	switch step.Kind() {
	case schema.StepKindShell:
		r.runShellStep(ctx, plan, step, outcome, envScope, resolvedEnv, scope)
	case schema.StepKindAction:
		r.runActionStep(ctx, plan, step, outcome, envScope, resolvedEnv, scope)
	default:
		outcome.Err = schema.NewError(schema.ErrCodeValidation, "step defines neither run nor uses").
			WithJob(plan.Job.Name).WithStep(step.DisplayName())
		outcome.Status = schema.StepStatusFailed
	}

	outcome.FinishedAt = time.Now().UTC()
	r.finishRunningStep(ctx, plan, step, outcome, sb)
}

func (r *JobRunner) runShellStep(ctx context.Context, plan instancePlan, step *schema.Step, outcome *StepOutcome, envScope *envs.Scope, resolvedEnv map[string]string, scope *expressions.Scope) {
	command, err := r.interp.Resolve(ctx, step.Run, scope)
	if err != nil {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = err
		return
	}

	var timeout time.Duration
	if step.Timeout != "" {
		timeout, err = time.ParseDuration(step.Timeout)
		if err != nil {
			outcome.Status = schema.StepStatusFailed
			outcome.Err = schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q: %v", step.Timeout, err).
				WithJob(plan.Job.Name).WithStep(step.DisplayName())
			return
		}
	}

	res, err := r.shell.Execute(ctx, shell.Request{
		Command:          command,
		Dialect:          step.Shell,
		WorkingDirectory: r.workDir(plan.Job, step),
		Env:              resolvedEnv,
		Timeout:          timeout,
		Stream: &streamWriter{
			ctx: ctx,
			hub: r.hub,
			event: streaming.StreamEvent{
				RunID:     plan.RunID,
				Job:       plan.Job.Name,
				Instance:  plan.Name,
				StepID:    step.ID,
				EventType: schema.EventStepOutput,
			},
		},
	})
	if err != nil {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = err
		return
	}

	outcome.ExitCode = &res.ExitCode
	outcome.Stdout = res.Stdout
	outcome.Stderr = res.Stderr
	outcome.TimedOut = res.TimedOut

	if res.TimedOut {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", step.Timeout).
			WithJob(plan.Job.Name).WithStep(step.DisplayName())
		return
	}
	if res.ExitCode != 0 {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = schema.NewErrorf(schema.ErrCodeStepFailed, "step exited with code %d", res.ExitCode).
			WithJob(plan.Job.Name).WithStep(step.DisplayName()).
			WithDetails(map[string]any{"exit_code": res.ExitCode})
		return
	}

	outcome.Status = schema.StepStatusSucceeded
	outcome.Outputs = res.Outputs
	for k, v := range res.EnvExports {
		envScope.Export(k, v)
	}
	for _, dir := range res.PathAdditions {
		envScope.AppendPath(dir)
	}
}

func (r *JobRunner) runActionStep(ctx context.Context, plan instancePlan, step *schema.Step, outcome *StepOutcome, envScope *envs.Scope, resolvedEnv map[string]string, scope *expressions.Scope) {
	usesName, err := r.interp.Resolve(ctx, step.Uses, scope)
	if err != nil {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = err
		return
	}
	action, err := r.actions.Get(usesName)
	if err != nil {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = err
		return
	}

	with, err := r.interp.ResolveAny(ctx, anyMap(step.With), scope)
	if err != nil {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = err
		return
	}
	withMap, _ := with.(map[string]any)

	out, err := action.Execute(ctx, actions.ActionInput{
		With:             withMap,
		Env:              resolvedEnv,
		WorkingDirectory: r.workDir(plan.Job, step),
	})
	if err != nil {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = err
		return
	}

	outcome.Status = schema.StepStatusSucceeded
	outcome.Outputs = out.Outputs
	for k, v := range out.EnvExports {
		envScope.Export(k, v)
	}
	for _, dir := range out.PathAdditions {
		envScope.AppendPath(dir)
	}
}

// finishStep completes a step that never started running (skipped or
// cancelled before launch).
func (r *JobRunner) finishStep(ctx context.Context, plan instancePlan, step *schema.Step, outcome *StepOutcome, sb *expressions.ScopeBuilder) {
	payload := r.stepPayload(step, outcome)
	if err := r.stepFSM.Transition(ctx, plan.RunID, plan.ID, step.ID, schema.StepStatusPending, outcome.Status, payload, false); err != nil {
		r.logger.Error("step transition failed", "step", step.DisplayName(), "error", err)
	}
	r.publish(ctx, plan, step.ID, stepEventType(outcome.Status), nil)
	r.recordStep(ctx, plan, step, outcome)
	if err := sb.AddStepResult(step.ID, outcome.Status, outcome.Outputs); err != nil {
		r.logger.Error("scope update failed", "step", step.DisplayName(), "error", err)
	}
}

// finishRunningStep completes a step that reached the running state.
func (r *JobRunner) finishRunningStep(ctx context.Context, plan instancePlan, step *schema.Step, outcome *StepOutcome, sb *expressions.ScopeBuilder) {
	payload := r.stepPayload(step, outcome)
	if err := r.stepFSM.Transition(ctx, plan.RunID, plan.ID, step.ID, schema.StepStatusRunning, outcome.Status, payload, outcome.TimedOut); err != nil {
		r.logger.Error("step transition failed", "step", step.DisplayName(), "error", err)
	}
	eventType := stepEventType(outcome.Status)
	if outcome.TimedOut {
		eventType = schema.EventStepTimedOut
	}
	r.publish(ctx, plan, step.ID, eventType, nil)
	r.recordStep(ctx, plan, step, outcome)
	if err := sb.AddStepResult(step.ID, outcome.Status, outcome.Outputs); err != nil {
		r.logger.Error("scope update failed", "step", step.DisplayName(), "error", err)
	}
}

// failStep marks a step failed before it transitioned to running
// (environment, condition, or interpolation errors).
func (r *JobRunner) failStep(ctx context.Context, plan instancePlan, step *schema.Step, outcome *StepOutcome, sb *expressions.ScopeBuilder, err error) {
	outcome.Status = schema.StepStatusFailed
	outcome.Err = err

	// pending -> running -> failed keeps the transition table honest even
	// for steps that never spawned a process.
	if terr := r.stepFSM.Transition(ctx, plan.RunID, plan.ID, step.ID, schema.StepStatusPending, schema.StepStatusRunning, r.stepPayload(step, outcome), false); terr != nil {
		r.logger.Error("step transition failed", "step", step.DisplayName(), "error", terr)
	}
	r.finishRunningStep(ctx, plan, step, outcome, sb)
}

func (r *JobRunner) recordStep(ctx context.Context, plan instancePlan, step *schema.Step, outcome *StepOutcome) {
	result := &store.StepResult{
		InstanceID: plan.ID,
		StepIndex:  outcome.Index,
		StepID:     step.ID,
		Name:       outcome.Name,
		Status:     outcome.Status,
		ExitCode:   outcome.ExitCode,
		Outputs:    outcome.Outputs,
		DurationMs: outcome.FinishedAt.Sub(outcome.StartedAt).Milliseconds(),
	}
	if !outcome.StartedAt.IsZero() {
		t := outcome.StartedAt
		result.StartedAt = &t
	}
	if !outcome.FinishedAt.IsZero() {
		t := outcome.FinishedAt
		result.CompletedAt = &t
	}
	if outcome.Err != nil {
		if raw, err := json.Marshal(outcome.Err); err == nil {
			result.Error = raw
		}
	}
	if err := r.recorder.UpsertStepResult(ctx, result); err != nil {
		r.logger.Error("persist step result failed", "step", outcome.Name, "error", err)
	}
}

func (r *JobRunner) stepPayload(step *schema.Step, outcome *StepOutcome) json.RawMessage {
	p := store.StepEventPayload{
		StepIndex: outcome.Index,
		Name:      outcome.Name,
		ExitCode:  outcome.ExitCode,
		Outputs:   outcome.Outputs,
	}
	if outcome.Err != nil {
		if raw, err := json.Marshal(outcome.Err); err == nil {
			p.Error = raw
		}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return raw
}

func (r *JobRunner) publish(ctx context.Context, plan instancePlan, stepID, eventType string, payload any) {
	if r.hub == nil || eventType == "" {
		return
	}
	_ = r.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     plan.RunID,
		Job:       plan.Job.Name,
		Instance:  plan.Name,
		StepID:    stepID,
		EventType: eventType,
		Payload:   payload,
	})
}

// workDir resolves the effective working directory for a step: the run
// root, overridden by the job's directory, overridden by the step's.
func (r *JobRunner) workDir(job *schema.Job, step *schema.Step) string {
	dir := r.workRoot
	dir = joinIfRelative(dir, job.WorkingDirectory)
	dir = joinIfRelative(dir, step.WorkingDirectory)
	return dir
}

func joinIfRelative(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return p
	}
	if base == "" {
		return p
	}
	return filepath.Join(base, p)
}

func stepError(jobName string, outcome *StepOutcome) error {
	if perr, ok := outcome.Err.(*schema.PipelineError); ok {
		return perr
	}
	if outcome.Err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed: %v", outcome.Name, outcome.Err).
			WithJob(jobName).WithStep(outcome.Name).WithCause(outcome.Err)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed", outcome.Name).
		WithJob(jobName).WithStep(outcome.Name)
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// streamWriter publishes captured output chunks to the event hub.
type streamWriter struct {
	ctx   context.Context
	hub   streaming.EventHub
	event streaming.StreamEvent
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.hub != nil {
		e := w.event
		e.Payload = string(p)
		_ = w.hub.Publish(w.ctx, e)
	}
	return len(p), nil
}
