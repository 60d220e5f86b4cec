package expressions

import "context"

// Engine evaluates expressions against a task- or process-data context.
// Three implementations: CEL (transition guards and rule conditions),
// Expr (script tasks and timer expressions), GoJQ (payload transforms and
// correlation-property retrieval).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
