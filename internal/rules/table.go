// Package rules implements the decision-table evaluator consumed by rule
// task nodes. The engine treats it as an opaque service: Decide takes a data
// context and returns the matched rule's outputs (or all matches under the
// "collect" hit policy).
package rules

import (
	"context"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// Hit policies.
const (
	HitPolicyUnique  = "unique"
	HitPolicyFirst   = "first"
	HitPolicyCollect = "collect"
)

// ConditionEvaluator decides whether a rule condition holds for an
// activation. Satisfied by *expressions.Evaluator.
type ConditionEvaluator interface {
	Condition(ctx context.Context, expression string, activation map[string]any) (bool, error)
}

// Decision is the outcome of a table evaluation. Outputs is set for
// "unique"/"first"; Collected for "collect".
type Decision struct {
	Outputs   map[string]any   `json:"outputs,omitempty"`
	Collected []map[string]any `json:"collected,omitempty"`
}

// Table is a compiled decision table bound to a condition evaluator.
// Condition cells are CEL predicates over the "data" variable; an empty cell
// matches anything. The Inputs of the definition are column labels for
// diagnostics, not evaluated separately.
type Table struct {
	def  *schema.RuleDefinition
	cond ConditionEvaluator
}

// New creates a Table. A missing hit policy defaults to "unique".
func New(def *schema.RuleDefinition, cond ConditionEvaluator) (*Table, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "rule definition is nil")
	}
	switch def.HitPolicy {
	case "", HitPolicyUnique, HitPolicyFirst, HitPolicyCollect:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown hit policy %q", def.HitPolicy)
	}
	for i, r := range def.Rules {
		if len(r.Conditions) > len(def.Inputs) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"rule %d has %d conditions for %d inputs", i, len(r.Conditions), len(def.Inputs))
		}
	}
	return &Table{def: def, cond: cond}, nil
}

// Decide evaluates the table against the data context.
func (t *Table) Decide(ctx context.Context, data map[string]any) (*Decision, error) {
	activation := map[string]any{"data": schema.CopyData(data)}

	var matches []map[string]any
	for i := range t.def.Rules {
		matched, err := t.ruleMatches(ctx, &t.def.Rules[i], activation)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		matches = append(matches, schema.CopyData(t.def.Rules[i].Outputs))
		if t.policy() == HitPolicyFirst {
			break
		}
	}

	switch t.policy() {
	case HitPolicyCollect:
		return &Decision{Collected: matches}, nil
	case HitPolicyFirst:
		if len(matches) == 0 {
			return &Decision{}, nil
		}
		return &Decision{Outputs: matches[0]}, nil
	default: // unique
		if len(matches) > 1 {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"decision table matched %d rules under unique hit policy", len(matches))
		}
		if len(matches) == 0 {
			return &Decision{}, nil
		}
		return &Decision{Outputs: matches[0]}, nil
	}
}

func (t *Table) policy() string {
	if t.def.HitPolicy == "" {
		return HitPolicyUnique
	}
	return t.def.HitPolicy
}

func (t *Table) ruleMatches(ctx context.Context, r *schema.Rule, activation map[string]any) (bool, error) {
	for _, cond := range r.Conditions {
		if cond == "" {
			continue
		}
		ok, err := t.cond.Condition(ctx, cond, activation)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
