package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/conveyorci/conveyor/internal/secrets"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// dottedPathRe matches plain namespace references like "matrix.os" or
// "steps.build.outputs.version". Anything else inside ${{ }} is handed to
// the Expr engine.
var dottedPathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z_][A-Za-z0-9_-]*)*$`)

// Interpolator resolves ${{...}} references in spec strings.
// Two-pass: first resolves non-secret variables, second resolves secrets.
type Interpolator struct {
	vault secrets.Vault
	exprs *ExprEngine
}

// NewInterpolator creates an Interpolator with an optional Vault for
// secret resolution.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{
		vault: vault,
		exprs: NewExprEngine(),
	}
}

// Resolve performs two-pass interpolation on a single spec string.
// Pass 1: resolves matrix.*, env.*, job.*, workflow.*, steps.* references
// and Expr expressions. Pass 2: resolves secrets.* references via the Vault.
func (interp *Interpolator) Resolve(ctx context.Context, input string, scope *Scope) (string, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	resolved, err := interp.resolvePass(ctx, input, scope, false)
	if err != nil {
		return "", err
	}

	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return "", err
	}

	return resolved, nil
}

// ResolveMap interpolates every value of a string map, returning a new map.
func (interp *Interpolator) ResolveMap(ctx context.Context, in map[string]string, scope *Scope) (map[string]string, error) {
	if len(in) == 0 {
		return in, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		resolved, err := interp.Resolve(ctx, v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// ResolveAny interpolates every string reachable in a decoded YAML value
// (step `with:` blocks). Maps and slices are rebuilt; other types pass
// through.
func (interp *Interpolator) ResolveAny(ctx context.Context, in any, scope *Scope) (any, error) {
	switch v := in.(type) {
	case string:
		return interp.Resolve(ctx, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := interp.ResolveAny(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := interp.ResolveAny(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return in, nil
	}
}

// resolvePass scans for ${{...}} tokens and resolves them.
// If secretPass is false, it resolves everything except secrets.* and
// leaves secret tokens untouched. If secretPass is true, it only resolves
// secrets.* references.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *Scope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")

		if secretPass != isSecret {
			// Not this pass's kind of token; write it back unchanged.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}

		result.WriteString(formatValue(val))

		i = end + 2 // skip "}}"
	}

	return result.String(), nil
}

// resolveExpr resolves a single token. Plain dotted paths go through the
// namespace resolvers; everything else is an Expr expression evaluated
// against the scope.
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *Scope) (any, error) {
	if !dottedPathRe.MatchString(expr) {
		return interp.exprs.Evaluate(ctx, expr, scope.Data())
	}

	namespace, rest, _ := strings.Cut(expr, ".")
	switch namespace {
	case "matrix":
		return interp.resolveStringMap(scope.Matrix, rest, expr, "matrix axis")
	case "env":
		return interp.resolveStringMap(scope.Env, rest, expr, "environment variable")
	case "job":
		return interp.resolveFromMap(scope.Job, rest, expr, "job")
	case "workflow":
		return interp.resolveFromMap(scope.Workflow, rest, expr, "workflow")
	case "steps":
		return interp.resolveSteps(expr, scope)
	case "secrets":
		return interp.resolveSecret(ctx, expr)
	default:
		// A bare identifier or unknown namespace may still be a valid
		// Expr expression (e.g. a function call without arguments is not,
		// but "matrix" alone is the whole map).
		available := []string{"matrix", "env", "job", "workflow", "steps", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps resolves steps.<id>.outputs[.<key>] and steps.<id>.outcome.
func (interp *Interpolator) resolveSteps(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, id, outputs|outcome, key]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<id>.outputs[.<key>] or steps.<id>.outcome", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepID := parts[1]
	if scope.Steps == nil {
		return nil, interp.missingStepErr(expr, stepID, scope)
	}
	result, ok := scope.Steps[stepID]
	if !ok {
		return nil, interp.missingStepErr(expr, stepID, scope)
	}

	fields, ok := result.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"malformed result for step %q in %q", stepID, expr)
	}

	switch parts[2] {
	case "outcome":
		return fields["outcome"], nil
	case "outputs":
		outputs := fields["outputs"]
		if len(parts) == 3 {
			return outputs, nil
		}
		return interp.traversePath(outputs, parts[3], expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: only 'outputs' and 'outcome' are supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}
}

// resolveSecret resolves secrets.<KEY> via the Vault.
func (interp *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	_, key, ok := strings.Cut(expr, ".")
	if !ok || key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}

	return string(val), nil
}

// resolveStringMap resolves a single-level key from a string map.
func (interp *Interpolator) resolveStringMap(data map[string]string, key, expr, kind string) (any, error) {
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected a key after the namespace", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	val, ok := data[key]
	if !ok {
		available := stringMapKeys(data)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"%s %q not found in ${{%s}}; available: [%s]", kind, key, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_keys": available})
	}
	return val, nil
}

// resolveFromMap resolves a dot-delimited field path from a map.
func (interp *Interpolator) resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if fieldPath == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid %s reference %q: expected %s.<field>", namespace, expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// missingStepErr builds an error for missing step references with
// available steps listed.
func (interp *Interpolator) missingStepErr(expr, id string, scope *Scope) *schema.PipelineError {
	available := mapKeys(scope.Steps)
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"step %q not found in ${{%s}}; available steps: [%s]", id, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_steps": available})
}

// formatValue converts a resolved value into the text embedded in place of
// the token.
func formatValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation reports whether a string contains any ${{...}} references.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

func stringMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

// Simple insertion sort for small slices.
func sortStrings(keys []string) {
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
}
