package engine

import (
	"context"

	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// ResetTo rewinds execution to an existing task instance: the instance and
// everything downstream of it (its subtree, including nested sub-process
// instances) are discarded and a fresh READY instance of the same node is
// created, seeded from the surrounding data plus the provided overrides.
// Resetting into a boundary wrapper is redirected to the wrapper itself so
// the boundary events re-arm.
func (p *ProcessInstance) ResetTo(ctx context.Context, taskID string, data map[string]any) (*TaskInstance, error) {
	top := p.Outermost()
	t, ok := top.index[taskID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task instance %q not found", taskID)
	}

	original := t.Node
	redirected := false
	if t.Parent != nil && t.Parent.Node.Kind == schema.KindBoundaryParent {
		t = t.Parent
		redirected = true
	}

	proc := t.proc
	parent := t.Parent
	top.prune(t)

	fresh := proc.newInstance(parent, t.Node, schema.TaskStateReady)
	if parent == nil {
		proc.Root = fresh
	}
	for k, v := range schema.CopyData(data) {
		fresh.Data[k] = v
	}
	proc.forceState(ctx, fresh, schema.TaskStateReady)

	top.reviveAncestors(ctx, fresh)
	top.completedLogged = false

	if redirected {
		// Fan the wrapper out again so the wrapped task gets a live
		// instance alongside re-armed boundary events.
		if err := proc.execute(ctx, fresh); err != nil {
			return nil, err
		}
		for _, c := range fresh.Children {
			if c.Node == original {
				return c, nil
			}
		}
	}
	return fresh, nil
}

// prune detaches an instance subtree: removes it from its parent, purges the
// global index and transitively drops nested sub-process instances owned by
// tasks inside it. Always runs on the outermost instance.
func (p *ProcessInstance) prune(t *TaskInstance) {
	if t.Parent != nil {
		kept := t.Parent.Children[:0]
		for _, c := range t.Parent.Children {
			if c != t {
				kept = append(kept, c)
			}
		}
		t.Parent.Children = kept
	}
	p.pruneIndex(t)
}

func (p *ProcessInstance) pruneIndex(t *TaskInstance) {
	t.walk(func(x *TaskInstance) {
		delete(p.index, x.ID)
		if nested, ok := p.subprocesses[x.ID]; ok {
			delete(p.subprocesses, x.ID)
			p.pruneIndex(nested.Root)
		}
	})
}

// reviveAncestors walks the enclosing chain of a freshly reset instance and
// returns every terminal wrapper or owner on it to WAITING, discarding flow
// they spawned after their earlier completion.
func (p *ProcessInstance) reviveAncestors(ctx context.Context, fresh *TaskInstance) {
	for a := fresh.Parent; a != nil; a = a.Parent {
		p.reviveWrapper(ctx, a)
	}
	for proc := fresh.proc; proc.Owner != nil; proc = proc.Owner.proc {
		owner := proc.Owner
		if owner.State != schema.TaskStateWaiting {
			// Successors spawned after the owner completed are stale now.
			stale := owner.Children
			owner.Children = nil
			for _, c := range stale {
				p.pruneIndex(c)
			}
			delete(owner.Internal, internalSubDone)
			p.forceWaiting(ctx, owner)
		}
		for a := owner.Parent; a != nil; a = a.Parent {
			p.reviveWrapper(ctx, a)
		}
		proc.completedLogged = false
	}
}

// reviveWrapper returns a terminal waiting-style ancestor (boundary wrapper,
// event gateway, joining gateway) to WAITING so it observes the new flow.
func (p *ProcessInstance) reviveWrapper(ctx context.Context, a *TaskInstance) {
	switch a.Node.Kind {
	case schema.KindBoundaryParent, schema.KindEventGateway:
	default:
		if !a.Node.IsJoin() {
			return
		}
	}
	if a.State.IsTerminal() {
		p.forceWaiting(ctx, a)
	}
}

func (p *ProcessInstance) forceWaiting(ctx context.Context, t *TaskInstance) {
	t.State = schema.TaskStateWaiting
	_ = p.log.AppendEvent(ctx, &store.Event{
		ProcessID: t.proc.ID,
		TaskID:    t.ID,
		Type:      schema.EventInstanceReset,
	})
}

// Cancel cancels every live instance in this process instance's scope,
// cascading into nested instances. Sub-process table entries are kept as
// history. Returns the IDs of the instances that were cancelled.
func (p *ProcessInstance) Cancel(ctx context.Context) []string {
	top := p.Outermost()
	var cancelled []string
	p.Root.walk(func(x *TaskInstance) {
		if nested, ok := top.subprocesses[x.ID]; ok {
			cancelled = append(cancelled, nested.Cancel(ctx)...)
		}
		if x.State.IsLive() {
			_ = x.proc.transition(ctx, x, schema.TaskStateCancelled)
			cancelled = append(cancelled, x.ID)
		}
	})
	if p.Owner == nil {
		_ = p.log.AppendEvent(ctx, &store.Event{
			ProcessID: p.ID,
			Type:      schema.EventProcessCancelled,
		})
	}
	return cancelled
}
