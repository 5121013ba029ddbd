package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// scopeVars are the top-level CEL variables, matching the interpolation
// scope: matrix combination, resolved env, job and workflow metadata, and
// prior step results keyed by step ID.
var scopeVars = []string{"matrix", "env", "job", "workflow", "steps"}

// CELEngine evaluates step `if:` conditions using Google's Common
// Expression Language. Compiled programs are cached per expression text
// and shared across goroutines.
type CELEngine struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing
// each scope variable as map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(scopeVars))
	for _, v := range scopeVars {
		opts = append(opts, cel.Variable(v, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or reuses) the expression and evaluates it against
// data. Scope variables missing from data become empty maps so that
// `matrix.os` on a matrix-less job is a lookup error, not a nil deref.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(scopeVars))
	for _, key := range scopeVars {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateCondition evaluates an `if:` condition. A non-boolean result is
// a validation error, not a truthiness coercion.
func (e *CELEngine) EvaluateCondition(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q evaluated to %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.programs.Store(expression, prg)
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
