package expressions

import "context"

// Engine evaluates expressions appearing in workflow specs.
// Two implementations: CEL (step conditions) and Expr (computed values
// inside interpolation tokens).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
