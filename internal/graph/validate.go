package graph

import (
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// Validate performs the structural checks JSON Schema cannot express:
// exactly one start node, resolvable transition targets and boundary
// attachments, and exclusive gateways whose unguarded transitions are backed
// by a default. Compile repeats the reference checks defensively; Validate
// exists so callers get the full picture before compilation.
func Validate(def *schema.ProcessDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "process definition is nil")
	}
	if err := validateOne(def); err != nil {
		return err
	}
	for i := range def.Subprocesses {
		if err := Validate(&def.Subprocesses[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateOne(def *schema.ProcessDefinition) error {
	ids := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	starts := 0
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if _, dup := ids[nd.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"process %s: duplicate node id %q", def.ID, nd.ID)
		}
		ids[nd.ID] = nd
		if nd.Kind == schema.KindStartEvent {
			starts++
		}
	}
	if starts != 1 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"process %s: want exactly one start node, have %d", def.ID, starts)
	}

	for i := range def.Nodes {
		nd := &def.Nodes[i]

		for _, t := range nd.Outgoing {
			if _, ok := ids[t.Target]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"process %s: node %s: transition target %q does not exist", def.ID, nd.ID, t.Target)
			}
		}
		for _, a := range nd.Attached {
			if _, ok := ids[a]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"process %s: boundary parent %s: attached node %q does not exist", def.ID, nd.ID, a)
			}
		}

		if nd.Kind == schema.KindExclusiveGateway && len(nd.Outgoing) > 1 {
			defaults := 0
			unguarded := 0
			for _, t := range nd.Outgoing {
				if t.Default {
					defaults++
				} else if t.Guard == "" {
					unguarded++
				}
			}
			if defaults > 1 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"process %s: exclusive gateway %s: multiple default transitions", def.ID, nd.ID)
			}
			if unguarded > 0 && defaults == 0 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"process %s: exclusive gateway %s: unguarded transition without a default", def.ID, nd.ID)
			}
		}

		if nd.Kind == schema.KindCatchEvent || nd.Kind == schema.KindBoundaryEvent ||
			nd.Kind == schema.KindThrowEvent {
			if nd.Event == nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"process %s: event node %s has no event definition", def.ID, nd.ID)
			}
		}
		if nd.Kind == schema.KindBoundaryParent && len(nd.Attached) < 2 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"process %s: boundary parent %s needs a wrapped task and at least one boundary event", def.ID, nd.ID)
		}
	}
	return nil
}
