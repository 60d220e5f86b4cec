package graph

import (
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// Compile turns a validated ProcessDefinition into an immutable Process,
// recursively compiling nested sub-process definitions. The definition is
// expected to have passed Validate; Compile still reports dangling references
// rather than panicking on them.
func Compile(def *schema.ProcessDefinition) (*Process, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "process definition is nil")
	}

	p := &Process{
		ID:           def.ID,
		Name:         def.Name,
		nodes:        make(map[string]*Node, len(def.Nodes)),
		subprocesses: make(map[string]*Process, len(def.Subprocesses)),
	}

	for i := range def.Subprocesses {
		sp, err := Compile(&def.Subprocesses[i])
		if err != nil {
			return nil, err
		}
		p.subprocesses[sp.ID] = sp
	}

	// First pass: create nodes.
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if _, exists := p.nodes[nd.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"process %s: duplicate node id %q", def.ID, nd.ID)
		}
		n := &Node{
			ID:             nd.ID,
			Kind:           nd.Kind,
			Name:           nd.Name,
			Lane:           nd.Lane,
			Manual:         nd.Manual,
			Script:         nd.Script,
			Rules:          nd.Rules,
			Event:          nd.Event.Copy(),
			SubprocessID:   nd.Subprocess,
			Inputs:         nd.Inputs,
			Outputs:        nd.Outputs,
			CancelActivity: nd.CancelActivity,
			process:        p,
		}
		p.nodes[nd.ID] = n
		p.order = append(p.order, nd.ID)

		switch nd.Kind {
		case schema.KindStartEvent:
			if p.Start != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"process %s: multiple start nodes (%s, %s)", def.ID, p.Start.ID, nd.ID)
			}
			p.Start = n
		case schema.KindEventSubProcess:
			p.eventSubprocesses = append(p.eventSubprocesses, n)
		}
	}

	if p.Start == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "process %s: no start node", def.ID)
	}

	// Second pass: wire transitions and boundary attachments.
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		n := p.nodes[nd.ID]

		for _, td := range nd.Outgoing {
			target, ok := p.nodes[td.Target]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"process %s: node %s: transition target %q does not exist", def.ID, nd.ID, td.Target)
			}
			t := Transition{Source: n, Target: target, Name: td.Name, Guard: td.Guard, Default: td.Default}
			n.Outgoing = append(n.Outgoing, t)
			target.Incoming = append(target.Incoming, t)
		}

		for _, attachedID := range nd.Attached {
			attached, ok := p.nodes[attachedID]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"process %s: boundary parent %s: attached node %q does not exist", def.ID, nd.ID, attachedID)
			}
			n.Attached = append(n.Attached, attached)
		}

		if (nd.Kind == schema.KindSubProcess || nd.Kind == schema.KindCallActivity ||
			nd.Kind == schema.KindEventSubProcess) && p.Subprocess(nd.Subprocess) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"process %s: node %s references unknown subprocess %q", def.ID, nd.ID, nd.Subprocess)
		}
	}

	p.reach = computeReachability(p)
	return p, nil
}

// computeReachability runs a BFS from every node over outgoing transitions.
// Boundary attachments count as edges: a token at a boundary parent can land
// on the wrapped task or any attached event's successors.
func computeReachability(p *Process) map[string]map[string]bool {
	reach := make(map[string]map[string]bool, len(p.nodes))
	for id, n := range p.nodes {
		seen := make(map[string]bool)
		queue := successors(n)
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			if seen[next.ID] {
				continue
			}
			seen[next.ID] = true
			queue = append(queue, successors(next)...)
		}
		reach[id] = seen
	}
	return reach
}

func successors(n *Node) []*Node {
	out := make([]*Node, 0, len(n.Outgoing)+len(n.Attached))
	for i := range n.Outgoing {
		out = append(out, n.Outgoing[i].Target)
	}
	out = append(out, n.Attached...)
	return out
}
