package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for the workflow document.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conveyorci.dev/schemas/workflow.json",
  "type": "object",
  "required": ["on", "jobs"],
  "properties": {
    "name": { "type": "string" },
    "on": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        { "type": "array", "items": { "type": "string" }, "minItems": 1 },
        { "type": "object" }
      ]
    },
    "env": { "$ref": "#/$defs/env" },
    "jobs": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/job" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "env": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "job": {
      "type": "object",
      "required": ["runs-on", "steps"],
      "properties": {
        "runs-on": { "type": "string", "minLength": 1 },
        "working-directory": { "type": "string" },
        "env": { "$ref": "#/$defs/env" },
        "strategy": {
          "type": "object",
          "properties": {
            "matrix": {
              "type": "object",
              "minProperties": 1,
              "additionalProperties": {
                "type": "array",
                "items": { "type": ["string", "number", "boolean"] }
              }
            }
          },
          "additionalProperties": false
        },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "id": { "type": "string", "minLength": 1 },
        "if": { "type": "string" },
        "uses": { "type": "string", "minLength": 1 },
        "with": { "type": "object" },
        "run": { "type": "string", "minLength": 1 },
        "working-directory": { "type": "string" },
        "shell": { "type": "string" },
        "env": { "$ref": "#/$defs/env" },
        "timeout": { "type": "string", "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$" }
      },
      "oneOf": [
        { "required": ["run"], "not": { "required": ["uses"] } },
        { "required": ["uses"], "not": { "required": ["run"] } }
      ],
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator performs structural validation using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache and compiler for dynamic schema compilation
	// (action input schemas).
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://conveyorci.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://conveyorci.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded workflow document against the schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeMalformedSpec, "workflow document is empty")
	}

	jdoc, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeMalformedSpec, "failed to serialize workflow document").WithCause(err)
	}

	if err := v.workflowSchema.Validate(jdoc); err != nil {
		return toPipelineError(err)
	}
	return nil
}

// ValidateInput validates action inputs (a step's `with` block) against the
// action's declared input schema. The compiled schema is cached.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid action input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize action inputs").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toPipelineError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("conveyor://action-input-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPipelineError converts a jsonschema.ValidationError into a
// PipelineError with per-location violation messages.
func toPipelineError(err error) *schema.PipelineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeMalformedSpec, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeMalformedSpec, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeMalformedSpec, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("spec validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeMalformedSpec, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
