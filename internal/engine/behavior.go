package engine

import (
	"context"

	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/internal/rules"
	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// behavior defines how the step engine treats one node kind. onReady runs a
// READY instance; onWaitingRefresh reports whether a WAITING instance's wake
// condition is now satisfied.
type behavior interface {
	onReady(ctx context.Context, t *TaskInstance) error
	onWaitingRefresh(ctx context.Context, t *TaskInstance) (bool, error)
}

// neverWakes is embedded by behaviors whose instances never enter WAITING.
type neverWakes struct{}

func (neverWakes) onWaitingRefresh(context.Context, *TaskInstance) (bool, error) {
	return false, nil
}

var (
	startSingleton     = startBehavior{}
	taskSingleton      = taskBehavior{}
	exclusiveSingleton = exclusiveBehavior{}
	parallelSingleton  = parallelBehavior{}
	inclusiveSingleton = inclusiveBehavior{}
	eventGateSingleton = eventGatewayBehavior{}
	catchSingleton     = catchBehavior{}
	throwSingleton     = throwBehavior{}
	endSingleton       = endBehavior{}
	subprocSingleton   = subprocessBehavior{}
	boundarySingleton  = boundaryParentBehavior{}
)

func (p *ProcessInstance) behaviorFor(n *graph.Node) behavior {
	switch n.Kind {
	case schema.KindStartEvent:
		return startSingleton
	case schema.KindTask, schema.KindScriptTask, schema.KindRuleTask:
		return taskSingleton
	case schema.KindExclusiveGateway:
		return exclusiveSingleton
	case schema.KindParallelGateway:
		return parallelSingleton
	case schema.KindInclusiveGateway:
		return inclusiveSingleton
	case schema.KindEventGateway:
		return eventGateSingleton
	case schema.KindCatchEvent, schema.KindBoundaryEvent:
		return catchSingleton
	case schema.KindThrowEvent:
		return throwSingleton
	case schema.KindEndEvent:
		return endSingleton
	case schema.KindSubProcess, schema.KindCallActivity, schema.KindEventSubProcess:
		return subprocSingleton
	case schema.KindBoundaryParent:
		return boundarySingleton
	default:
		return taskSingleton
	}
}

// --- Start events ---

type startBehavior struct{}

func (startBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	if t.Node.Event == nil || t.fired() {
		deliverPayload(t)
		return p.complete(ctx, t)
	}
	if t.Node.Event.Type == schema.EventTimer {
		if err := armTimer(ctx, t); err != nil {
			return err
		}
	}
	return p.transition(ctx, t, schema.TaskStateWaiting)
}

func (startBehavior) onWaitingRefresh(ctx context.Context, t *TaskInstance) (bool, error) {
	return refreshCatch(ctx, t)
}

// --- Plain, script and rule tasks ---

type taskBehavior struct{ neverWakes }

func (taskBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	switch t.Node.Kind {
	case schema.KindScriptTask:
		result, err := p.Evaluator().Execute(ctx, t.Node.Script, t.Data)
		if err != nil {
			return err
		}
		t.Data = result
	case schema.KindRuleTask:
		table, err := rules.New(t.Node.Rules, p.Evaluator())
		if err != nil {
			return err
		}
		decision, err := table.Decide(ctx, t.Data)
		if err != nil {
			return err
		}
		if decision.Collected != nil {
			t.Data["decisions"] = decision.Collected
		} else {
			for k, v := range decision.Outputs {
				t.Data[k] = v
			}
		}
	}
	return p.complete(ctx, t)
}

// --- Exclusive gateway ---

type exclusiveBehavior struct{ neverWakes }

func (exclusiveBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	var target *graph.Node
	for _, tr := range t.Node.Outgoing {
		if tr.Default || tr.Guard == "" {
			continue
		}
		ok, err := p.Evaluator().Guard(ctx, tr.Guard, t.Data)
		if err != nil {
			return err
		}
		if ok {
			target = tr.Target
			break
		}
	}
	if target == nil {
		if d := t.Node.DefaultTransition(); d != nil {
			target = d.Target
		}
	}
	if target == nil {
		return schema.NewErrorf(schema.ErrCodeGuarding,
			"no outgoing guard matched at exclusive gateway %q and no default transition", t.Node.ID)
	}
	if err := p.spawnSuccessor(ctx, t, target); err != nil {
		return err
	}
	return p.complete(ctx, t)
}

// --- Parallel gateway ---

type parallelBehavior struct{}

func (parallelBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	if t.Node.IsJoin() && !joinSatisfied(t) {
		return p.transition(ctx, t, schema.TaskStateWaiting)
	}
	for _, tr := range t.Node.Outgoing {
		if err := p.spawnSuccessor(ctx, t, tr.Target); err != nil {
			return err
		}
	}
	return p.complete(ctx, t)
}

func (parallelBehavior) onWaitingRefresh(_ context.Context, t *TaskInstance) (bool, error) {
	return joinSatisfied(t), nil
}

// --- Inclusive gateway ---

type inclusiveBehavior struct{}

func (inclusiveBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	if t.Node.IsJoin() && !joinSatisfied(t) {
		return p.transition(ctx, t, schema.TaskStateWaiting)
	}
	fired := false
	for _, tr := range t.Node.Outgoing {
		if tr.Default {
			continue
		}
		// An unguarded transition is always taken, exactly as plain task
		// successors are.
		take := true
		if tr.Guard != "" {
			ok, err := p.Evaluator().Guard(ctx, tr.Guard, t.Data)
			if err != nil {
				return err
			}
			take = ok
		}
		if take {
			if err := p.spawnSuccessor(ctx, t, tr.Target); err != nil {
				return err
			}
			fired = true
		}
	}
	if !fired {
		if d := t.Node.DefaultTransition(); d != nil {
			if err := p.spawnSuccessor(ctx, t, d.Target); err != nil {
				return err
			}
			fired = true
		}
	}
	if !fired && len(t.Node.Outgoing) > 0 {
		return schema.NewErrorf(schema.ErrCodeGuarding,
			"no outgoing guard matched at inclusive gateway %q and no default transition", t.Node.ID)
	}
	return p.complete(ctx, t)
}

func (inclusiveBehavior) onWaitingRefresh(_ context.Context, t *TaskInstance) (bool, error) {
	return joinSatisfied(t), nil
}

// joinSatisfied reports whether a joining gateway has collected every arrival
// it still has to wait for. Parallel joins wait for all incoming sources;
// inclusive joins ignore sources no live instance can still reach.
func joinSatisfied(t *TaskInstance) bool {
	arrived := arrivals(t)
	for _, in := range t.Node.Incoming {
		if arrived[in.Source.ID] {
			continue
		}
		if t.Node.Kind == schema.KindParallelGateway {
			return false
		}
		if branchStillLive(t, in.Source.ID) {
			return false
		}
	}
	return len(arrived) > 0
}

// branchStillLive reports whether any live instance other than the join
// itself can still reach the given source node.
func branchStillLive(join *TaskInstance, sourceID string) bool {
	live := false
	join.proc.Root.walk(func(x *TaskInstance) {
		if live || x == join || !x.State.IsLive() {
			return
		}
		if join.proc.Graph.Reachable(x.Node.ID, sourceID) {
			live = true
		}
	})
	return live
}

// --- Event-based gateway ---

type eventGatewayBehavior struct{}

func (eventGatewayBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	if _, fanned := t.Internal[internalFanned]; !fanned {
		// Race all successor events; the first to fire wins the gateway.
		for _, tr := range t.Node.Outgoing {
			if err := p.spawnSuccessor(ctx, t, tr.Target); err != nil {
				return err
			}
		}
		t.Internal[internalFanned] = true
		return p.transition(ctx, t, schema.TaskStateWaiting)
	}
	// Woken: one branch completed, the losers are cancelled.
	for _, c := range t.Children {
		if c.State.IsLive() {
			p.cancelSubtree(ctx, c)
		}
	}
	return p.complete(ctx, t)
}

func (eventGatewayBehavior) onWaitingRefresh(_ context.Context, t *TaskInstance) (bool, error) {
	for _, c := range t.Children {
		if c.State == schema.TaskStateCompleted {
			return true, nil
		}
	}
	return false, nil
}

// --- Catch events (including boundary events) ---

type catchBehavior struct{}

func (catchBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	if t.fired() {
		deliverPayload(t)
		return p.complete(ctx, t)
	}
	if t.Node.Event != nil && t.Node.Event.Type == schema.EventTimer {
		if err := armTimer(ctx, t); err != nil {
			return err
		}
	}
	return p.transition(ctx, t, schema.TaskStateWaiting)
}

func (catchBehavior) onWaitingRefresh(ctx context.Context, t *TaskInstance) (bool, error) {
	return refreshCatch(ctx, t)
}

// refreshCatch is the shared wake check for catching nodes: either an event
// was delivered or an armed timer's deadline passed.
func refreshCatch(ctx context.Context, t *TaskInstance) (bool, error) {
	if t.fired() {
		return true, nil
	}
	if t.Node.Event != nil && t.Node.Event.Type == schema.EventTimer {
		expired, err := timerExpired(t)
		if err != nil {
			return false, err
		}
		if expired {
			t.Internal[internalFired] = true
			_ = t.proc.log.AppendEvent(ctx, &store.Event{
				ProcessID: t.proc.ID,
				TaskID:    t.ID,
				Type:      schema.EventTimerFired,
			})
			return true, nil
		}
	}
	return false, nil
}

// deliverPayload merges a caught event payload into the instance data.
// Non-map payloads land under "event".
func deliverPayload(t *TaskInstance) {
	raw, ok := t.Internal[internalPayload]
	if !ok || raw == nil {
		return
	}
	if m, isMap := raw.(map[string]any); isMap {
		for k, v := range schema.CopyData(m) {
			t.Data[k] = v
		}
		return
	}
	t.Data["event"] = raw
}

// --- Throw events ---

type throwBehavior struct{ neverWakes }

func (throwBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	if err := t.proc.throw(ctx, t, t.Node.Event); err != nil {
		return err
	}
	return t.proc.complete(ctx, t)
}

// --- End events ---

type endBehavior struct{ neverWakes }

func (endBehavior) onReady(ctx context.Context, t *TaskInstance) error {
	p := t.proc
	ev := t.Node.Event
	if ev != nil {
		switch ev.Type {
		case schema.EventTerminate:
			// Terminate ends this process level immediately, cancelling
			// every live instance regardless of branch.
			p.Root.walk(func(x *TaskInstance) {
				if x != t && x.State.IsLive() {
					p.cancelSubtree(ctx, x)
				}
			})
		case schema.EventError, schema.EventEscalation, schema.EventMessage, schema.EventSignal:
			if err := p.throw(ctx, t, ev); err != nil {
				return err
			}
		}
	}
	return p.complete(ctx, t)
}

// --- Shared cancellation ---

// cancelSubtree cancels every live instance in t's subtree, cascading into
// nested process instances owned by tasks inside it. Sub-process table
// entries are retained as history.
func (p *ProcessInstance) cancelSubtree(ctx context.Context, t *TaskInstance) {
	top := p.Outermost()
	t.walk(func(x *TaskInstance) {
		if nested, ok := top.subprocesses[x.ID]; ok {
			nested.Cancel(ctx)
		}
		if x.State.IsLive() {
			_ = x.proc.transition(ctx, x, schema.TaskStateCancelled)
		}
	})
}
