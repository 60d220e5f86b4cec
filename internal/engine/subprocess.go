package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// subprocessBehavior runs sub-process, call-activity and event-sub-process
// nodes. The owning task goes WAITING while the nested instance runs; the
// step engine advances the nested tree because it is part of the owner's
// scope.
type subprocessBehavior struct{}

func (subprocessBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	if _, done := t.Internal[internalSubDone]; done {
		return p.complete(ctx, t)
	}
	if _, err := p.startSubprocess(ctx, t); err != nil {
		return err
	}
	return p.transition(ctx, t, schema.TaskStateWaiting)
}

func (subprocessBehavior) onWaitingRefresh(ctx context.Context, t *TaskInstance) (bool, error) {
	p := t.proc
	nested := p.Subprocess(t.ID)
	if nested == nil || !nested.IsCompleted() {
		return false, nil
	}
	if err := copyOutputs(t, nested); err != nil {
		return false, err
	}
	t.Internal[internalSubDone] = true
	_ = p.log.AppendEvent(ctx, &store.Event{
		ProcessID: nested.ID,
		TaskID:    t.ID,
		Type:      schema.EventSubprocessCompleted,
	})
	return true, nil
}

// startSubprocess creates the nested process instance for an owning task,
// seeds its data from the declared inputs and registers it in the outermost
// sub-process table.
func (p *ProcessInstance) startSubprocess(ctx context.Context, t *TaskInstance) (*ProcessInstance, error) {
	g, err := p.resolveSubprocessGraph(t.Node)
	if err != nil {
		return nil, err
	}

	seed, err := copyInputs(t)
	if err != nil {
		return nil, err
	}
	// Event sub-processes additionally absorb the triggering payload.
	if raw, ok := t.Internal[internalPayload].(map[string]any); ok {
		for k, v := range schema.CopyData(raw) {
			seed[k] = v
		}
	}

	top := p.Outermost()
	nested := &ProcessInstance{
		ID:           uuid.New().String(),
		Graph:        g,
		Data:         seed,
		Owner:        t,
		correlations: map[string]map[string]any{},
		evaluator:    top.evaluator,
		registry:     top.registry,
		log:          top.log,
		logger:       top.logger,
	}
	nested.Root = nested.newInstance(nil, g.Start, schema.TaskStateReady)
	top.subprocesses[t.ID] = nested

	_ = p.log.AppendEvent(ctx, &store.Event{
		ProcessID: nested.ID,
		TaskID:    t.ID,
		Type:      schema.EventSubprocessStarted,
	})
	return nested, nil
}

// resolveSubprocessGraph finds the nested definition: first among the current
// graph's (and its ancestors') nested definitions, then in the registry.
func (p *ProcessInstance) resolveSubprocessGraph(n *graph.Node) (*graph.Process, error) {
	if g := p.Graph.Subprocess(n.SubprocessID); g != nil {
		return g, nil
	}
	for proc := p; proc.Owner != nil; {
		proc = proc.Owner.proc
		if g := proc.Graph.Subprocess(n.SubprocessID); g != nil {
			return g, nil
		}
	}
	if p.Outermost().registry != nil {
		if g, err := p.Outermost().registry.Resolve(n.SubprocessID); err == nil {
			return g, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"sub-process definition %q referenced by node %q not found", n.SubprocessID, n.ID)
}

// copyInputs builds the nested instance's seed data from the owner's declared
// input mapping. Nil means copy everything; a declared mapping seeds each
// nested-side name from its owner-side source and requires every source to be
// present.
func copyInputs(t *TaskInstance) (map[string]any, error) {
	if t.Node.Inputs == nil {
		seed := schema.CopyData(t.Data)
		if seed == nil {
			seed = map[string]any{}
		}
		return seed, nil
	}
	seed := map[string]any{}
	for nestedName, ownerName := range t.Node.Inputs {
		v, ok := t.Data[ownerName]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMissingDataInput,
				"data input %q is not available for sub-process %q", ownerName, t.Node.ID)
		}
		seed[nestedName] = schema.CopyData(map[string]any{"v": v})["v"]
	}
	return seed, nil
}

// copyOutputs maps the completed nested instance's data back onto the owner.
// A declared mapping assigns each owner-side name from its nested-side source
// and then drops the consumed source names, input sources included, from the
// owner's data so they do not outlive the call.
func copyOutputs(t *TaskInstance, nested *ProcessInstance) error {
	if t.Node.Outputs == nil {
		for k, v := range schema.CopyData(nested.Data) {
			t.Data[k] = v
		}
		return nil
	}
	mapped := map[string]any{}
	for nestedName, ownerName := range t.Node.Outputs {
		v, ok := nested.Data[nestedName]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeMissingDataOutput,
				"data output %q was not produced by sub-process %q", nestedName, t.Node.ID)
		}
		mapped[ownerName] = schema.CopyData(map[string]any{"v": v})["v"]
	}
	p := t.proc
	for _, ownerName := range t.Node.Inputs {
		delete(t.Data, ownerName)
		delete(p.Data, ownerName)
	}
	for nestedName := range t.Node.Outputs {
		delete(t.Data, nestedName)
		delete(p.Data, nestedName)
	}
	for ownerName, v := range mapped {
		t.Data[ownerName] = v
	}
	return nil
}
