package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/conveyorci/conveyor/internal/validation"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// RegisterBuiltins registers the core action bundle in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator) error {
	_, err := reg.RegisterBundle("core", CoreActions(validator))
	return err
}

// CoreActions returns the built-in actions shipped with every engine.
func CoreActions(validator *validation.JSONSchemaValidator) []Action {
	return []Action{
		newNoopAction(validator),
		newSetupPathAction(validator),
		newExportEnvAction(validator),
		newJQAction(validator),
	}
}

// baseAction carries the shared name/schema/validation plumbing so each
// builtin only supplies its execute function.
type baseAction struct {
	name      string
	schema    ActionSchema
	validator *validation.JSONSchemaValidator
	exec      func(ctx context.Context, input ActionInput) (*ActionOutput, error)
}

func (a *baseAction) Name() string         { return a.name }
func (a *baseAction) Schema() ActionSchema { return a.schema }

func (a *baseAction) Validate(with map[string]any) error {
	if a.validator == nil {
		return nil
	}
	return a.validator.ValidateInput(with, a.schema.InputSchema)
}

func (a *baseAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.With); err != nil {
		return nil, err
	}
	return a.exec(ctx, input)
}

// newNoopAction does nothing and succeeds. Useful as a placeholder step
// and for wiring tests.
func newNoopAction(v *validation.JSONSchemaValidator) Action {
	return &baseAction{
		name: "noop",
		schema: ActionSchema{
			Description: "Does nothing and succeeds.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string"}
				},
				"additionalProperties": false
			}`),
		},
		validator: v,
		exec: func(_ context.Context, input ActionInput) (*ActionOutput, error) {
			out := &ActionOutput{Summary: "noop"}
			if msg, ok := input.With["message"].(string); ok && msg != "" {
				out.Summary = msg
			}
			return out, nil
		},
	}
}

// newSetupPathAction prepends directories to PATH for the remaining steps
// of the job instance.
func newSetupPathAction(v *validation.JSONSchemaValidator) Action {
	return &baseAction{
		name: "setup-path",
		schema: ActionSchema{
			Description: "Adds directories to PATH for subsequent steps.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"paths": {
						"type": "array",
						"items": {"type": "string", "minLength": 1},
						"minItems": 1
					}
				},
				"required": ["paths"],
				"additionalProperties": false
			}`),
		},
		validator: v,
		exec: func(_ context.Context, input ActionInput) (*ActionOutput, error) {
			raw, ok := input.With["paths"].([]any)
			if !ok {
				return nil, schema.NewError(schema.ErrCodeValidation, "setup-path: paths must be a list of strings")
			}
			additions := make([]string, 0, len(raw))
			for _, p := range raw {
				s, ok := p.(string)
				if !ok || strings.TrimSpace(s) == "" {
					return nil, schema.NewError(schema.ErrCodeValidation, "setup-path: paths must be a list of non-empty strings")
				}
				additions = append(additions, s)
			}
			return &ActionOutput{
				PathAdditions: additions,
				Summary:       fmt.Sprintf("added %d path entries", len(additions)),
			}, nil
		},
	}
}

// newExportEnvAction exports env vars to the remaining steps of the job
// instance.
func newExportEnvAction(v *validation.JSONSchemaValidator) Action {
	return &baseAction{
		name: "export-env",
		schema: ActionSchema{
			Description: "Exports environment variables to subsequent steps.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"vars": {
						"type": "object",
						"additionalProperties": {"type": "string"},
						"minProperties": 1
					}
				},
				"required": ["vars"],
				"additionalProperties": false
			}`),
		},
		validator: v,
		exec: func(_ context.Context, input ActionInput) (*ActionOutput, error) {
			raw, ok := input.With["vars"].(map[string]any)
			if !ok {
				return nil, schema.NewError(schema.ErrCodeValidation, "export-env: vars must be a string map")
			}
			exports := make(map[string]string, len(raw))
			for k, val := range raw {
				s, ok := val.(string)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "export-env: value of %q is not a string", k)
				}
				exports[k] = s
			}
			return &ActionOutput{
				EnvExports: exports,
				Summary:    fmt.Sprintf("exported %d variables", len(exports)),
			}, nil
		},
	}
}

// newJQAction evaluates a jq expression against a JSON document and
// publishes the first result as the "result" output.
func newJQAction(v *validation.JSONSchemaValidator) Action {
	return &baseAction{
		name: "jq",
		schema: ActionSchema{
			Description: "Evaluates a jq query against a JSON input.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"input": {"type": "string"}
				},
				"required": ["query"],
				"additionalProperties": false
			}`),
		},
		validator: v,
		exec: func(ctx context.Context, input ActionInput) (*ActionOutput, error) {
			queryStr, _ := input.With["query"].(string)
			query, err := gojq.Parse(queryStr)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq: parse query: %v", err).WithCause(err)
			}

			var doc any
			if raw, ok := input.With["input"].(string); ok && raw != "" {
				if err := json.Unmarshal([]byte(raw), &doc); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq: parse input document: %v", err).WithCause(err)
				}
			}

			iter := query.RunWithContext(ctx, doc)
			value, ok := iter.Next()
			if !ok {
				return &ActionOutput{
					Outputs: map[string]string{"result": "null"},
					Summary: "query produced no results",
				}, nil
			}
			if err, isErr := value.(error); isErr {
				return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq: evaluate query: %v", err).WithCause(err)
			}

			encoded, err := gojq.Marshal(value)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq: encode result: %v", err).WithCause(err)
			}
			return &ActionOutput{
				Outputs: map[string]string{"result": string(encoded)},
			}, nil
		},
	}
}
