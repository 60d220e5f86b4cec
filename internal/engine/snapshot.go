package engine

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/tokenflow-io/tokenflow/internal/expressions"
	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// taskSnapshot is the serialized form of one task instance.
type taskSnapshot struct {
	ID       string           `json:"id"`
	Node     string           `json:"node"`
	State    schema.TaskState `json:"state"`
	Data     map[string]any   `json:"data,omitempty"`
	Internal map[string]any   `json:"internal,omitempty"`
	Children []taskSnapshot   `json:"children,omitempty"`
}

// processSnapshot is the serialized form of one process instance.
type processSnapshot struct {
	ID           string                    `json:"id"`
	Definition   string                    `json:"definition"`
	Data         map[string]any            `json:"data,omitempty"`
	Correlations map[string]map[string]any `json:"correlations,omitempty"`
	Root         taskSnapshot              `json:"root"`
}

// nestedSnapshot links a nested process snapshot to its owning task.
type nestedSnapshot struct {
	OwnerID string          `json:"owner_id"`
	Process processSnapshot `json:"process"`
}

// hierarchySnapshot is the full serialized execution state. The nested list
// is flat and sorted by owner ID; combined with encoding/json's sorted map
// keys this makes equal states serialize to identical bytes.
type hierarchySnapshot struct {
	Process  processSnapshot          `json:"process"`
	Nested   []nestedSnapshot         `json:"nested,omitempty"`
	Outbound []schema.EventDefinition `json:"outbound,omitempty"`
}

// Snapshot serializes the full hierarchy state. Always taken from the
// outermost instance regardless of the receiver.
func (p *ProcessInstance) Snapshot() ([]byte, error) {
	top := p.Outermost()

	snap := hierarchySnapshot{Process: top.snapshotProcess()}
	for _, ownerID := range sortedOwnerIDs(top.subprocesses) {
		snap.Nested = append(snap.Nested, nestedSnapshot{
			OwnerID: ownerID,
			Process: top.subprocesses[ownerID].snapshotProcess(),
		})
	}
	for _, def := range top.outbound {
		snap.Outbound = append(snap.Outbound, *def.Copy())
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "serialize snapshot").WithCause(err)
	}
	return raw, nil
}

func (p *ProcessInstance) snapshotProcess() processSnapshot {
	return processSnapshot{
		ID:           p.ID,
		Definition:   p.Graph.ID,
		Data:         schema.CopyData(p.Data),
		Correlations: p.Correlations(),
		Root:         snapshotTask(p.Root),
	}
}

func snapshotTask(t *TaskInstance) taskSnapshot {
	snap := taskSnapshot{
		ID:       t.ID,
		Node:     t.Node.ID,
		State:    t.State,
		Data:     schema.CopyData(t.Data),
		Internal: schema.CopyData(t.Internal),
	}
	for _, c := range t.Children {
		snap.Children = append(snap.Children, snapshotTask(c))
	}
	return snap
}

// Restore rebuilds a live hierarchy from a snapshot. The process definitions
// are resolved through the registry; a snapshot referencing an unknown
// definition fails.
func Restore(raw []byte, deps Deps) (*ProcessInstance, error) {
	var snap hierarchySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "parse snapshot").WithCause(err)
	}
	if deps.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "snapshot restore requires a registry")
	}

	ev := deps.Evaluator
	if ev == nil {
		var err error
		if ev, err = expressions.NewEvaluator(); err != nil {
			return nil, err
		}
	}
	log := deps.Log
	if log == nil {
		log = nopAppender{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	g, err := deps.Registry.Resolve(snap.Process.Definition)
	if err != nil {
		return nil, err
	}
	top := &ProcessInstance{
		ID:           snap.Process.ID,
		Graph:        g,
		Data:         snap.Process.Data,
		correlations: snap.Process.Correlations,
		subprocesses: map[string]*ProcessInstance{},
		index:        map[string]*TaskInstance{},
		evaluator:    ev,
		registry:     deps.Registry,
		log:          log,
		logger:       logger,
	}
	if top.Data == nil {
		top.Data = map[string]any{}
	}
	if top.correlations == nil {
		top.correlations = map[string]map[string]any{}
	}
	if top.Root, err = restoreTask(top, nil, g, &snap.Process.Root); err != nil {
		return nil, err
	}

	// Nested entries are sorted by owner ID; an owner always appears in the
	// index before processes it transitively owns because parents precede
	// children in restoreTask. Retry until the table stops growing to cover
	// owners that live inside other nested instances.
	pending := append([]nestedSnapshot(nil), snap.Nested...)
	for len(pending) > 0 {
		progressed := false
		var next []nestedSnapshot
		for i := range pending {
			owner, ok := top.index[pending[i].OwnerID]
			if !ok {
				next = append(next, pending[i])
				continue
			}
			if err := top.restoreNested(owner, &pending[i].Process); err != nil {
				return nil, err
			}
			progressed = true
		}
		if !progressed {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"snapshot references sub-process owners that do not exist")
		}
		pending = next
	}

	for i := range snap.Outbound {
		top.outbound = append(top.outbound, snap.Outbound[i].Copy())
	}
	top.completedLogged = top.IsCompleted()
	return top, nil
}

func (p *ProcessInstance) restoreNested(owner *TaskInstance, snap *processSnapshot) error {
	g := owner.proc.Graph.Subprocess(snap.Definition)
	if g == nil {
		var err error
		if g, err = p.registry.Resolve(snap.Definition); err != nil {
			return err
		}
	}
	nested := &ProcessInstance{
		ID:           snap.ID,
		Graph:        g,
		Data:         snap.Data,
		Owner:        owner,
		correlations: snap.Correlations,
		evaluator:    p.evaluator,
		registry:     p.registry,
		log:          p.log,
		logger:       p.logger,
	}
	if nested.Data == nil {
		nested.Data = map[string]any{}
	}
	if nested.correlations == nil {
		nested.correlations = map[string]map[string]any{}
	}
	var err error
	if nested.Root, err = restoreTask(nested, nil, g, &snap.Root); err != nil {
		return err
	}
	p.subprocesses[owner.ID] = nested
	return nil
}

func restoreTask(p *ProcessInstance, parent *TaskInstance, g *graph.Process, snap *taskSnapshot) (*TaskInstance, error) {
	node := nodeInGraph(g, snap.Node)
	if node == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"snapshot references unknown node %q in process %q", snap.Node, g.ID)
	}
	t := &TaskInstance{
		ID:       snap.ID,
		Node:     node,
		State:    snap.State,
		Parent:   parent,
		Data:     snap.Data,
		Internal: snap.Internal,
		proc:     p,
	}
	if t.Data == nil {
		t.Data = map[string]any{}
	}
	if t.Internal == nil {
		t.Internal = map[string]any{}
	}
	if parent != nil {
		parent.Children = append(parent.Children, t)
	}
	p.Outermost().index[t.ID] = t
	for i := range snap.Children {
		if _, err := restoreTask(p, t, g, &snap.Children[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// nodeInGraph looks a node up including boundary-attached nodes, which are
// not regular flow members.
func nodeInGraph(g *graph.Process, id string) *graph.Node {
	if n := g.NodeByID(id); n != nil {
		return n
	}
	for _, n := range g.Nodes() {
		for _, a := range n.Attached {
			if a.ID == id {
				return a
			}
		}
	}
	return nil
}
