package engine

import (
	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// PreviewRow is one line of a navigation preview: an existing instance with
// its actual state, or a not-yet-instantiated node with a predicted one.
type PreviewRow struct {
	TaskID string           `json:"task_id,omitempty"` // empty for predicted rows
	NodeID string           `json:"node_id"`
	Name   string           `json:"name,omitempty"`
	State  schema.TaskState `json:"state"`
	Depth  int              `json:"depth"`
}

// Preview renders the instance tree plus a forward prediction of nodes the
// flow may still reach. Immediate successors of live instances are LIKELY,
// anything further is FUTURE. The walk is read-only and instantiates nothing.
func (p *ProcessInstance) Preview() []PreviewRow {
	var rows []PreviewRow
	p.previewInstance(p.Root, 0, &rows)
	return rows
}

func (p *ProcessInstance) previewInstance(t *TaskInstance, depth int, rows *[]PreviewRow) {
	*rows = append(*rows, PreviewRow{
		TaskID: t.ID,
		NodeID: t.Node.ID,
		Name:   t.Node.Name,
		State:  t.State,
		Depth:  depth,
	})

	if nested := p.Subprocess(t.ID); nested != nil {
		nested.previewInstance(nested.Root, depth+1, rows)
	}
	for _, c := range t.Children {
		p.previewInstance(c, depth+1, rows)
	}

	// Live leaves predict their forward path.
	if t.State.IsLive() && len(t.Children) == 0 {
		seen := map[string]bool{t.Node.ID: true}
		predictFrom(t.Node, depth+1, schema.TaskStateLikely, seen, rows)
	}
}

func predictFrom(n *graph.Node, depth int, state schema.TaskState, seen map[string]bool, rows *[]PreviewRow) {
	for _, tr := range n.Outgoing {
		if seen[tr.Target.ID] {
			continue
		}
		seen[tr.Target.ID] = true
		*rows = append(*rows, PreviewRow{
			NodeID: tr.Target.ID,
			Name:   tr.Target.Name,
			State:  state,
			Depth:  depth,
		})
		predictFrom(tr.Target, depth+1, schema.TaskStateFuture, seen, rows)
	}
}
