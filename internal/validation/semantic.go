package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// cronParser accepts the standard five-field cron syntax used by schedule
// triggers.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateSemantic performs semantic analysis on the workflow model.
// Checks: trigger presence, parseable cron expressions, unique job names,
// non-empty step lists, step shape (exactly one of run/uses), unique step
// IDs per job, non-empty matrix axes, known actions with valid inputs, and
// parseable timeouts.
func validateSemantic(wf *schema.Workflow, lookup ActionLookup, inputs InputValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTriggers(&wf.On, result)

	if len(wf.Jobs) == 0 {
		result.AddError("jobs", schema.ErrCodeMalformedSpec, "workflow declares no jobs")
		return result
	}

	seen := make(map[string]bool, len(wf.Jobs))
	for i := range wf.Jobs {
		job := &wf.Jobs[i]
		path := fmt.Sprintf("jobs.%s", job.Name)

		if seen[job.Name] {
			result.AddError(path, schema.ErrCodeMalformedSpec,
				fmt.Sprintf("duplicate job name %q", job.Name))
			continue
		}
		seen[job.Name] = true

		validateJob(job, path, lookup, inputs, result)
	}

	return result
}

func validateTriggers(t *schema.Triggers, result *schema.ValidationResult) {
	if len(t.Events) == 0 && len(t.Schedules) == 0 {
		result.AddError("on", schema.ErrCodeMalformedSpec, "workflow declares no trigger events")
	}

	for i, s := range t.Schedules {
		path := fmt.Sprintf("on.schedule[%d]", i)
		if s.Cron == "" {
			result.AddError(path, schema.ErrCodeMalformedSpec, "schedule trigger has no cron expression")
			continue
		}
		if _, err := cronParser.Parse(s.Cron); err != nil {
			result.AddError(path, schema.ErrCodeMalformedSpec,
				fmt.Sprintf("invalid cron expression %q: %s", s.Cron, err))
		}
	}
}

func validateJob(job *schema.Job, path string, lookup ActionLookup, inputs InputValidator, result *schema.ValidationResult) {
	if job.RunsOn == "" {
		result.AddError(path+".runs-on", schema.ErrCodeMalformedSpec, "job has no runner selector")
	}

	if job.Strategy != nil && job.Strategy.Matrix != nil {
		validateMatrix(job.Strategy.Matrix, path+".strategy.matrix", result)
	}

	if len(job.Steps) == 0 {
		result.AddError(path+".steps", schema.ErrCodeMalformedSpec, "job declares no steps")
		return
	}

	stepIDs := make(map[string]bool, len(job.Steps))
	for i := range job.Steps {
		step := &job.Steps[i]
		spath := fmt.Sprintf("%s.steps[%d]", path, i)

		if step.ID != "" {
			if stepIDs[step.ID] {
				result.AddError(spath+".id", schema.ErrCodeMalformedSpec,
					fmt.Sprintf("duplicate step id %q", step.ID))
			}
			stepIDs[step.ID] = true
		}

		validateStep(step, spath, lookup, inputs, result)
	}
}

func validateMatrix(m *schema.Matrix, path string, result *schema.ValidationResult) {
	if len(m.Axes) == 0 {
		result.AddError(path, schema.ErrCodeEmptyMatrix, "matrix declares no axes")
		return
	}

	names := make(map[string]bool, len(m.Axes))
	for _, axis := range m.Axes {
		apath := path + "." + axis.Name
		if names[axis.Name] {
			result.AddError(apath, schema.ErrCodeMalformedSpec,
				fmt.Sprintf("duplicate matrix axis %q", axis.Name))
		}
		names[axis.Name] = true

		if len(axis.Values) == 0 {
			result.AddError(apath, schema.ErrCodeEmptyMatrix,
				fmt.Sprintf("matrix axis %q has no values", axis.Name))
		}
	}
}

func validateStep(step *schema.Step, path string, lookup ActionLookup, inputs InputValidator, result *schema.ValidationResult) {
	switch {
	case step.Run == "" && step.Uses == "":
		result.AddError(path, schema.ErrCodeMalformedSpec,
			"step is neither a shell step (run) nor an action step (uses)")
		return
	case step.Run != "" && step.Uses != "":
		result.AddError(path, schema.ErrCodeMalformedSpec,
			"step declares both run and uses; exactly one is allowed")
		return
	}

	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err != nil {
			result.AddError(path+".timeout", schema.ErrCodeMalformedSpec,
				fmt.Sprintf("invalid timeout %q: %s", step.Timeout, err))
		} else if d <= 0 {
			result.AddError(path+".timeout", schema.ErrCodeMalformedSpec,
				fmt.Sprintf("timeout %q must be positive", step.Timeout))
		}
	}

	if step.Kind() != schema.StepKindAction {
		return
	}

	// Action existence and input shape. References with interpolation are
	// deferred to runtime since the action name is not known yet.
	if hasExpr(step.Uses) || lookup == nil {
		return
	}
	if !lookup.Has(step.Uses) {
		result.AddError(path+".uses", schema.ErrCodeActionUnavailable,
			fmt.Sprintf("action %q not registered", step.Uses))
		return
	}

	if inputs != nil && !withHasExpr(step.With) {
		if err := inputs.ValidateInput(step.With, lookup.InputSchema(step.Uses)); err != nil {
			result.AddError(path+".with", schema.ErrCodeValidation, err.Error())
		}
	}
}

func hasExpr(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == '$' && s[i+1] == '{' && s[i+2] == '{' {
			return true
		}
	}
	return false
}

func withHasExpr(with map[string]any) bool {
	for _, v := range with {
		if s, ok := v.(string); ok && hasExpr(s) {
			return true
		}
	}
	return false
}
