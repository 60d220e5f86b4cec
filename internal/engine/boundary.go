package engine

import (
	"context"

	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// boundaryParentBehavior runs the invisible wrapper around a task with
// attached boundary events. The wrapped task and every boundary event run as
// children; the wrapper waits until either the task completes normally or an
// interrupting boundary event fires.
type boundaryParentBehavior struct{}

func (boundaryParentBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	if _, fanned := t.Internal[internalFanned]; !fanned {
		for _, attached := range t.Node.Attached {
			child := p.newInstance(t, attached, schema.TaskStateReady)
			_ = p.log.AppendEvent(ctx, &store.Event{
				ProcessID: p.ID,
				TaskID:    child.ID,
				Type:      schema.EventTaskReady,
			})
		}
		t.Internal[internalFanned] = true
		return p.transition(ctx, t, schema.TaskStateWaiting)
	}

	// Woken: decide which side finished and settle the rest.
	main := mainChild(t)
	if main != nil && main.State == schema.TaskStateCompleted {
		for _, c := range t.Children {
			if c != main && c.State.IsLive() && !c.fired() {
				p.cancelSubtree(ctx, c)
			}
		}
		// Normal completion: flow continues through the wrapper's own
		// outgoing transitions.
		if err := p.complete(ctx, t); err != nil {
			return err
		}
		return p.fireTransitions(ctx, t)
	}
	// An interrupting boundary event won; it already carried the flow.
	return p.complete(ctx, t)
}

func (boundaryParentBehavior) onWaitingRefresh(ctx context.Context, t *TaskInstance) (bool, error) {
	p := t.proc
	main := mainChild(t)
	if main == nil {
		return false, nil
	}
	if main.State == schema.TaskStateCompleted {
		return true, nil
	}
	for _, c := range t.Children {
		if c == main || c.State != schema.TaskStateCompleted || !c.Node.CancelActivity {
			continue
		}
		// Interrupting boundary event fired: the wrapped task and anything
		// it spawned are abandoned.
		if main.State.IsLive() {
			p.cancelSubtree(ctx, main)
		}
		_ = p.log.AppendEvent(ctx, &store.Event{
			ProcessID: p.ID,
			TaskID:    c.ID,
			Type:      schema.EventBoundaryTripped,
		})
		return true, nil
	}
	// A failed wrapped task surfaces as an error boundary opportunity; with
	// no interrupting catch completed yet, the wrapper keeps waiting.
	return false, nil
}

// mainChild returns the child instance of the wrapped task, identified by the
// first attached node.
func mainChild(t *TaskInstance) *TaskInstance {
	if len(t.Node.Attached) == 0 {
		return nil
	}
	wrapped := t.Node.Attached[0]
	for _, c := range t.Children {
		if c.Node == wrapped {
			return c
		}
	}
	return nil
}
