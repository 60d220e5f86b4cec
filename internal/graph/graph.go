package graph

import (
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// Node is a compiled, immutable node in a process graph.
type Node struct {
	ID             string
	Kind           schema.NodeKind
	Name           string
	Lane           string
	Manual         bool
	Script         string
	Rules          *schema.RuleDefinition
	Event          *schema.EventDefinition
	SubprocessID   string
	Inputs         schema.DataMapping // nil = copy all
	Outputs        schema.DataMapping // nil = copy all
	CancelActivity bool

	// Boundary parents: the wrapped task first, then the attached boundary
	// events in declaration order.
	Attached []*Node

	Outgoing []Transition
	Incoming []Transition

	process *Process
}

// Process returns the graph this node belongs to.
func (n *Node) Process() *Process { return n.process }

// Automatic reports whether the step engine may execute a READY instance of
// this node without external input.
func (n *Node) Automatic() bool { return !n.Manual }

// IsJoin reports whether instances of this node accumulate arrivals from
// multiple incoming transitions rather than being instantiated per arrival.
func (n *Node) IsJoin() bool {
	switch n.Kind {
	case schema.KindParallelGateway, schema.KindInclusiveGateway:
		return len(n.Incoming) > 1
	default:
		return false
	}
}

// DefaultTransition returns the outgoing transition marked default, or nil.
func (n *Node) DefaultTransition() *Transition {
	for i := range n.Outgoing {
		if n.Outgoing[i].Default {
			return &n.Outgoing[i]
		}
	}
	return nil
}

// Describe returns "name (process)" for diagnostics, falling back to the
// node ID when no display name is set.
func (n *Node) Describe() string {
	name := n.Name
	if name == "" {
		name = n.ID
	}
	return name + " (" + n.process.ID + ")"
}

// Transition is a compiled directed transition between two nodes.
type Transition struct {
	Source  *Node
	Target  *Node
	Name    string
	Guard   string // CEL expression, empty = unguarded
	Default bool
}

// Process is a compiled, immutable process graph. Construction goes through
// Compile; nothing mutates a Process afterwards.
type Process struct {
	ID    string
	Name  string
	Start *Node

	nodes map[string]*Node
	order []string

	// Nested definitions referenced by subprocess/call/event-subprocess
	// nodes, keyed by definition ID.
	subprocesses map[string]*Process

	// Nodes of kind event_subprocess: not connected to the flow, started
	// only by a matching caught event.
	eventSubprocesses []*Node

	// reach[a][b] is true when b is reachable from a following outgoing
	// transitions. Used by inclusive-join wait sets and previews.
	reach map[string]map[string]bool
}

// NodeByID returns the node with the given ID, or nil.
func (p *Process) NodeByID(id string) *Node { return p.nodes[id] }

// Nodes returns all nodes in declaration order.
func (p *Process) Nodes() []*Node {
	out := make([]*Node, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.nodes[id])
	}
	return out
}

// Subprocess resolves a nested definition by ID, searching this graph and,
// transitively, its nested graphs.
func (p *Process) Subprocess(id string) *Process {
	if sp, ok := p.subprocesses[id]; ok {
		return sp
	}
	for _, sp := range p.subprocesses {
		if found := sp.Subprocess(id); found != nil {
			return found
		}
	}
	return nil
}

// EventSubprocessNodes returns the event-startable sub-process nodes of this
// graph, in declaration order.
func (p *Process) EventSubprocessNodes() []*Node { return p.eventSubprocesses }

// Reachable reports whether to is reachable from from by following outgoing
// transitions.
// A node is considered reachable from itself.
func (p *Process) Reachable(from, to string) bool {
	if from == to {
		return true
	}
	return p.reach[from][to]
}
