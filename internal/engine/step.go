package engine

import (
	"context"

	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// maxRounds bounds a single Advance call against runaway loop graphs.
const maxRounds = 10000

// Advance executes READY automatic tasks in deterministic tree order until
// none remain, the process completes, or a node named in stopAt executes.
// Manual tasks stay READY and are never picked up here. The returned instance
// is the last one executed, nil when the call found nothing to run.
func (p *ProcessInstance) Advance(ctx context.Context, stopAt ...string) (*TaskInstance, error) {
	stops := map[string]bool{}
	for _, id := range stopAt {
		stops[id] = true
	}

	var last *TaskInstance
	for round := 0; round < maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return last, schema.NewError(schema.ErrCodeCancelled, "advance interrupted").WithCause(err)
		}

		batch := p.readyAutomatic()
		if len(batch) == 0 {
			if err := p.RefreshWaiting(ctx); err != nil {
				return last, err
			}
			if len(p.readyAutomatic()) == 0 {
				return last, p.markCompleted(ctx)
			}
			continue
		}

		for _, t := range batch {
			// Executing an earlier task in the batch may have
			// cancelled or completed this one.
			if t.State != schema.TaskStateReady {
				continue
			}
			if err := t.proc.execute(ctx, t); err != nil {
				return last, err
			}
			last = t
			if stops[t.Node.ID] {
				return last, nil
			}
		}
	}
	return last, schema.NewError(schema.ErrCodeExecution, "advance did not settle, possible unbounded loop")
}

// readyAutomatic collects READY non-manual instances across the whole scope
// in tree-traversal order.
func (p *ProcessInstance) readyAutomatic() []*TaskInstance {
	var out []*TaskInstance
	for _, t := range p.Tasks(schema.TaskStateReady) {
		if t.Node.Automatic() {
			out = append(out, t)
		}
	}
	return out
}

// execute runs one READY instance through its node behavior. Behavior errors
// move the instance to ERROR and return a traced ProcessError.
func (p *ProcessInstance) execute(ctx context.Context, t *TaskInstance) error {
	if err := t.proc.behaviorFor(t.Node).onReady(ctx, t); err != nil {
		perr, ok := err.(*schema.ProcessError)
		if !ok {
			perr = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
		}
		_ = t.proc.transition(ctx, t, schema.TaskStateError)
		return perr.WithTask(t.ID).WithTrace(taskTrace(t))
	}
	return nil
}

// RefreshWaiting re-evaluates every WAITING instance's wake condition and
// promotes the satisfied ones to READY. The waiting set is captured before
// any promotion so one wake-up cannot feed another within the same pass.
func (p *ProcessInstance) RefreshWaiting(ctx context.Context) error {
	waiting := p.Tasks(schema.TaskStateWaiting)
	for _, t := range waiting {
		if t.State != schema.TaskStateWaiting {
			continue
		}
		ok, err := t.proc.behaviorFor(t.Node).onWaitingRefresh(ctx, t)
		if err != nil {
			perr, isPE := err.(*schema.ProcessError)
			if !isPE {
				perr = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
			}
			_ = t.proc.transition(ctx, t, schema.TaskStateError)
			return perr.WithTask(t.ID).WithTrace(taskTrace(t))
		}
		if ok {
			if err := t.proc.transition(ctx, t, schema.TaskStateReady); err != nil {
				return err
			}
		}
	}
	return nil
}

// CompleteTask finishes a READY manual task with user-supplied data and
// advances the process. Data is merged into the instance before completion so
// it flows into process data.
func (p *ProcessInstance) CompleteTask(ctx context.Context, taskID string, data map[string]any) error {
	t, err := p.FindTask(taskID)
	if err != nil {
		return err
	}
	if t.State != schema.TaskStateReady {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"task is %s, only ready tasks can be completed", t.State).WithTask(t.ID)
	}
	if !t.Node.Manual {
		return schema.NewError(schema.ErrCodeConflict, "task is not a user task").WithTask(t.ID)
	}
	for k, v := range schema.CopyData(data) {
		t.Data[k] = v
	}
	if err := t.proc.complete(ctx, t); err != nil {
		return err
	}
	_, err = p.Outermost().Advance(ctx)
	return err
}

// complete marks t COMPLETED, merges its data into process data and fires its
// outgoing transitions. Gateway fan-out is handled by the gateway behaviors
// themselves and never reaches fireTransitions.
func (p *ProcessInstance) complete(ctx context.Context, t *TaskInstance) error {
	if err := p.transition(ctx, t, schema.TaskStateCompleted); err != nil {
		return err
	}
	for k, v := range t.Data {
		p.Data[k] = v
	}
	if t.Node.Kind.IsGateway() || t.Node.Kind == schema.KindBoundaryParent {
		return nil
	}
	return p.fireTransitions(ctx, t)
}

// fireTransitions instantiates successors for every outgoing transition whose
// guard is absent or true. Loop-backs create fresh sibling instances of
// already-visited nodes.
func (p *ProcessInstance) fireTransitions(ctx context.Context, t *TaskInstance) error {
	for _, tr := range t.Node.Outgoing {
		if tr.Guard != "" {
			ok, err := p.Evaluator().Guard(ctx, tr.Guard, t.Data)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		if err := p.spawnSuccessor(ctx, t, tr.Target); err != nil {
			return err
		}
	}
	return nil
}

// spawnSuccessor creates a READY child for target, or, when target is a
// joining gateway with a live instance already waiting, records the arrival
// on that instance instead of duplicating it.
func (p *ProcessInstance) spawnSuccessor(ctx context.Context, t *TaskInstance, target *graph.Node) error {
	if target.IsJoin() {
		if join := p.liveInstanceOf(target.ID); join != nil {
			recordArrival(join, t.Node.ID)
			for k, v := range t.Data {
				join.Data[k] = v
			}
			return nil
		}
	}
	child := p.newInstance(t, target, schema.TaskStateReady)
	if target.IsJoin() {
		recordArrival(child, t.Node.ID)
	}
	_ = p.log.AppendEvent(ctx, &store.Event{
		ProcessID: p.ID,
		TaskID:    child.ID,
		Type:      schema.EventTaskReady,
	})
	return nil
}

// liveInstanceOf finds a READY or WAITING instance of the given node within
// this process instance's own tree.
func (p *ProcessInstance) liveInstanceOf(nodeID string) *TaskInstance {
	var found *TaskInstance
	p.Root.walk(func(t *TaskInstance) {
		if found == nil && t.Node.ID == nodeID && t.State.IsLive() {
			found = t
		}
	})
	return found
}

// recordArrival appends a distinct incoming source to a join instance.
func recordArrival(join *TaskInstance, sourceID string) {
	arrived, _ := join.Internal[internalJoined].([]any)
	for _, a := range arrived {
		if a == sourceID {
			return
		}
	}
	join.Internal[internalJoined] = append(arrived, sourceID)
}

// arrivals returns the distinct incoming sources recorded on a join.
func arrivals(join *TaskInstance) map[string]bool {
	arrived, _ := join.Internal[internalJoined].([]any)
	out := make(map[string]bool, len(arrived))
	for _, a := range arrived {
		if s, ok := a.(string); ok {
			out[s] = true
		}
	}
	return out
}
