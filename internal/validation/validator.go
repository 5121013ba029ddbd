package validation

import (
	"encoding/json"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// ActionLookup answers whether an action exists and what input schema it
// declares. Satisfied by actions.Registry.
type ActionLookup interface {
	Has(name string) bool
	InputSchema(name string) json.RawMessage
}

// InputValidator validates an action's `with` block against its declared
// input schema. Satisfied by JSONSchemaValidator.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// WorkflowValidator orchestrates the two-stage validate-on-load pipeline:
// 1. Structural (JSON Schema over the raw document)
// 2. Semantic (job/step/matrix invariants, action refs, cron triggers)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
	}, nil
}

// Validate runs both stages and returns an aggregated result.
// Structural errors short-circuit: the semantic stage is skipped because
// the model may be incomplete.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow, doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if wf == nil {
		result.AddError("/", schema.ErrCodeMalformedSpec, "workflow is nil")
		return result
	}

	if err := wv.jsonSchema.ValidateDocument(doc); err != nil {
		addStructural(result, err)
		return result
	}

	result.Merge(validateSemantic(wf, wv.actions, wv.jsonSchema))
	return result
}

// ValidateWorkflow runs the full pipeline and converts the result to an
// error (nil when valid).
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow, doc any) error {
	return wv.Validate(wf, doc).ToError()
}

// addStructural converts a structural validation error into result issues.
func addStructural(result *schema.ValidationResult, err error) {
	perr, ok := err.(*schema.PipelineError)
	if !ok {
		result.AddError("/", schema.ErrCodeMalformedSpec, err.Error())
		return
	}

	if perr.Details != nil {
		if violations, ok := perr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeMalformedSpec, v)
			}
			return
		}
	}
	result.AddError("/", schema.ErrCodeMalformedSpec, perr.Message)
}
