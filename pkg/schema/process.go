package schema

import "encoding/json"

// ProcessDefinition is the JSON-serializable process format consumed from the
// front-end compiler. It describes a directed graph of typed nodes connected
// by guarded transitions, plus any nested sub-process definitions referenced
// by call nodes or started by events.
type ProcessDefinition struct {
	ID           string              `json:"id"`
	Name         string              `json:"name,omitempty"`
	Nodes        []NodeDefinition    `json:"nodes"`
	Subprocesses []ProcessDefinition `json:"subprocesses,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a process graph.
type NodeDefinition struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
	Name string   `json:"name,omitempty"`
	Lane string   `json:"lane,omitempty"` // display metadata, not behaviorally significant

	// Task-specific.
	Manual bool            `json:"manual,omitempty"` // user task: never run by Advance
	Script string          `json:"script,omitempty"` // script tasks
	Rules  *RuleDefinition `json:"rules,omitempty"`  // rule tasks

	// Event nodes (start/catch/throw/boundary events).
	Event *EventDefinition `json:"event,omitempty"`

	// Sub-process / call nodes. Subprocess references a nested definition by
	// ID. Nil Inputs/Outputs means "copy all"; an empty, non-nil mapping
	// copies nothing; a declared mapping fails with
	// MISSING_DATA_INPUT/-OUTPUT when a source variable is absent.
	Subprocess string      `json:"subprocess,omitempty"`
	Inputs     DataMapping `json:"inputs,omitempty"`
	Outputs    DataMapping `json:"outputs,omitempty"`

	// Boundary wrappers: the ID of the wrapped task followed by the IDs of
	// the attached boundary event nodes, in declaration order.
	Attached []string `json:"attached,omitempty"`

	// Boundary event nodes: true when firing cancels the task it is attached
	// to (interrupting semantics).
	CancelActivity bool `json:"cancel_activity,omitempty"`

	Outgoing []TransitionDefinition `json:"outgoing,omitempty"`
}

// DataMapping relates variables across a sub-process boundary. A map key
// names the variable inside the nested instance; its value names the variable
// on the owning side. Inputs flow owner value into nested key, outputs flow
// nested key back onto owner value. A JSON array of names is shorthand for
// mapping each name to itself.
type DataMapping map[string]string

func (m *DataMapping) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		out := make(DataMapping, len(names))
		for _, n := range names {
			out[n] = n
		}
		*m = out
		return nil
	}
	var pairs map[string]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*m = DataMapping(pairs)
	return nil
}

// TransitionDefinition is a directed, optionally-guarded transition.
type TransitionDefinition struct {
	Target  string `json:"target"`
	Name    string `json:"name,omitempty"`
	Guard   string `json:"guard,omitempty"`   // CEL expression over task data
	Default bool   `json:"default,omitempty"` // taken when no guard matches
}

// NodeKind enumerates the closed set of node types.
type NodeKind string

const (
	KindStartEvent       NodeKind = "start_event"
	KindEndEvent         NodeKind = "end_event"
	KindTask             NodeKind = "task"
	KindScriptTask       NodeKind = "script_task"
	KindRuleTask         NodeKind = "rule_task"
	KindExclusiveGateway NodeKind = "exclusive_gateway"
	KindParallelGateway  NodeKind = "parallel_gateway"
	KindInclusiveGateway NodeKind = "inclusive_gateway"
	KindEventGateway     NodeKind = "event_gateway"
	KindCatchEvent       NodeKind = "catch_event"
	KindThrowEvent       NodeKind = "throw_event"
	KindSubProcess       NodeKind = "subprocess"
	KindCallActivity     NodeKind = "call_activity"
	KindBoundaryParent   NodeKind = "boundary_parent"
	KindBoundaryEvent    NodeKind = "boundary_event"
	KindEventSubProcess  NodeKind = "event_subprocess"
)

// IsGateway reports whether the kind is one of the routing gateways. Gateway
// completion never fires plain outgoing transitions; the gateway behavior
// itself decides the fan-out.
func (k NodeKind) IsGateway() bool {
	switch k {
	case KindExclusiveGateway, KindParallelGateway, KindInclusiveGateway, KindEventGateway:
		return true
	default:
		return false
	}
}

// RuleDefinition is an inline decision table attached to a rule task.
// Each rule maps input expressions (CEL, evaluated against task data) to
// output assignments. HitPolicy is one of "unique", "first" or "collect".
type RuleDefinition struct {
	HitPolicy string   `json:"hit_policy,omitempty"`
	Inputs    []string `json:"inputs"`
	Rules     []Rule   `json:"rules"`
}

// Rule is a single row of a decision table. Conditions align positionally
// with the table's Inputs; an empty condition matches anything.
type Rule struct {
	Conditions []string       `json:"conditions"`
	Outputs    map[string]any `json:"outputs"`
}
