package expressions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// Evaluator is the engine-facing facade over the three expression engines.
// One Evaluator is resolved at the outermost process instance and shared by
// every nested sub-process, so compiled-program caches and any engine-level
// customization are process-hierarchy-wide.
//
// Data contexts are copied in and out around every call; an expression can
// never alias live task data.
type Evaluator struct {
	guards     *CELEngine
	scripts    *ExprEngine
	transforms *GoJQEngine
}

// NewEvaluator creates an Evaluator with fresh engine caches.
func NewEvaluator() (*Evaluator, error) {
	guards, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		guards:     guards,
		scripts:    NewExprEngine(),
		transforms: NewGoJQEngine(),
	}, nil
}

// Evaluate runs an expr-lang expression against a copy of the data context
// and returns its value.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	out, err := ev.scripts.Evaluate(ctx, expression, schema.CopyData(data))
	if err != nil {
		return nil, ev.withSuggestion(err, data)
	}
	return out, nil
}

// Guard evaluates a CEL transition guard against the task's data context.
// The data map is exposed as the "data" variable.
func (ev *Evaluator) Guard(ctx context.Context, guard string, data map[string]any) (bool, error) {
	ok, err := ev.guards.EvaluateBool(ctx, guard, map[string]any{"data": schema.CopyData(data)})
	if err != nil {
		return false, ev.withSuggestion(err, data)
	}
	return ok, nil
}

// Condition evaluates a CEL expression with an explicit structured context
// (data/task/process variables). Used by rule tables and gateway conditions.
func (ev *Evaluator) Condition(ctx context.Context, expression string, activation map[string]any) (bool, error) {
	return ev.guards.EvaluateBool(ctx, expression, activation)
}

// Execute runs a script against a copy of the data context. The script is an
// expr-lang expression; when it evaluates to a map, the map is merged over
// the copied context and the merged result returned. Any other result is
// stored under "result". Side effects on the input map are impossible.
func (ev *Evaluator) Execute(ctx context.Context, script string, data map[string]any) (map[string]any, error) {
	boxed := schema.CopyData(data)
	if boxed == nil {
		boxed = map[string]any{}
	}
	out, err := ev.scripts.Evaluate(ctx, script, boxed)
	if err != nil {
		return nil, ev.withSuggestion(err, data)
	}

	merged := schema.CopyData(data)
	if merged == nil {
		merged = map[string]any{}
	}
	switch result := out.(type) {
	case nil:
	case map[string]any:
		for k, v := range result {
			merged[k] = v
		}
	default:
		merged["result"] = result
	}
	return merged, nil
}

// Transform runs a jq expression against a copy of the payload.
func (ev *Evaluator) Transform(ctx context.Context, expression string, payload map[string]any) (any, error) {
	return ev.transforms.Evaluate(ctx, expression, schema.CopyData(payload))
}

// withSuggestion augments an undefined-reference expression failure with a
// nearest-name suggestion against the available data keys.
func (ev *Evaluator) withSuggestion(err error, data map[string]any) error {
	var pe *schema.ProcessError
	if !errors.As(err, &pe) || pe.Code != schema.ErrCodeExpression {
		return err
	}
	lower := strings.ToLower(pe.Message)
	if !strings.Contains(lower, "unknown name") && !strings.Contains(lower, "undefined") &&
		!strings.Contains(lower, "undeclared reference") {
		return err
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	if name := offendingName(pe.Message); name != "" {
		if best := nearestName(name, keys); best != "" {
			pe.Message = fmt.Sprintf("%s (did you mean %q?)", pe.Message, best)
		}
	}
	return pe
}

// offendingName pulls the referenced identifier out of an engine error
// message. Both CEL and expr quote the name.
func offendingName(message string) string {
	start := strings.IndexByte(message, '\'')
	quote := byte('\'')
	if start < 0 {
		start = strings.IndexByte(message, '"')
		quote = '"'
	}
	if start < 0 {
		return ""
	}
	rest := message[start+1:]
	end := strings.IndexByte(rest, quote)
	if end <= 0 {
		return ""
	}
	return rest[:end]
}

// nearestName returns the candidate with the smallest edit distance to name,
// or "" when nothing is plausibly close (distance > half the name length).
func nearestName(name string, candidates []string) string {
	best, bestDist := "", len(name)/2+1
	for _, c := range candidates {
		if d := editDistance(name, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
