package expressions

import (
	"context"
	"errors"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/vm"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr for script
// tasks and timer expressions. Task data keys are injected as top-level
// variables of the expression environment.
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and
// evaluates it against the provided data. Failures carry the offending
// expression and, when the parser reports one, the source line and column.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression, data)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, exprError("expr evaluation failed", expression, err)
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new
// one. The data map is used to infer the environment type for compilation;
// undefined variables stay allowed so scripts can look up optional data.
func (e *ExprEngine) getOrCompile(expression string, data map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, exprError("expr compile error", expression, err)
	}

	e.cache[expression] = prg
	return prg, nil
}

// exprError wraps an expr-lang failure as an EXPRESSION_ERROR, extracting the
// source position when the underlying error is a *file.Error.
func exprError(prefix, expression string, err error) *schema.ProcessError {
	details := map[string]any{"expression": expression}
	var fe *file.Error
	if errors.As(err, &fe) {
		details["line"] = fe.Line
		details["column"] = fe.Column
	}
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s for %q: %s", prefix, expression, err.Error()).
		WithCause(err).
		WithDetails(details)
}

var _ Engine = (*ExprEngine)(nil)
