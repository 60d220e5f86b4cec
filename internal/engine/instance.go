package engine

import (
	"context"
	"log/slog"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/tokenflow-io/tokenflow/internal/expressions"
	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// Internal bookkeeping keys. These live in TaskInstance.Internal, which is
// never exposed to expression evaluators but survives snapshots.
const (
	internalFired     = "fired"      // event already delivered to this instance
	internalPayload   = "payload"    // caught event payload
	internalDeadline  = "deadline"   // timer deadline, RFC3339Nano
	internalJoined    = "joined"     // join gateways: arrived incoming source IDs
	internalSubDone   = "sub_done"   // sub-process owner: nested instance finished
	internalFanned    = "fanned"     // gateway/boundary parent already fanned out
	internalLoopCount = "loop_count" // sibling re-instantiations of the same node
)

// TaskInstance is a runtime occurrence of a Node within one process
// execution. Instances are exclusively owned by their parent except the tree
// root, which is owned by its ProcessInstance; the outermost instance's index
// holds weak lookup references only.
type TaskInstance struct {
	ID       string
	Node     *graph.Node
	State    schema.TaskState
	Parent   *TaskInstance
	Children []*TaskInstance

	// Data is the instance-local variable mapping, independent per task
	// until merged into process data on completion.
	Data map[string]any

	// Internal is auxiliary bookkeeping invisible to evaluators.
	Internal map[string]any

	proc *ProcessInstance
}

// ProcessInstance returns the process instance this task belongs to.
func (t *TaskInstance) ProcessInstance() *ProcessInstance { return t.proc }

// fired reports whether an event was already delivered to this instance.
func (t *TaskInstance) fired() bool {
	v, _ := t.Internal[internalFired].(bool)
	return v
}

// walk visits t and all descendants depth-first in child order.
func (t *TaskInstance) walk(visit func(*TaskInstance)) {
	visit(t)
	for _, c := range t.Children {
		c.walk(visit)
	}
}

// EventAppender is satisfied by the store and the event log; the engine emits
// an event on every state transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// nopAppender discards events; used when no log is configured.
type nopAppender struct{}

func (nopAppender) AppendEvent(context.Context, *store.Event) error { return nil }

// Deps holds the collaborators of a ProcessInstance. Registry is required
// when the graph references sub-process definitions by ID or catches external
// messages that start event sub-processes. A nil Evaluator gets a fresh one;
// a nil Log discards events.
type Deps struct {
	Registry  *graph.Registry
	Evaluator *expressions.Evaluator
	Log       EventAppender
	Logger    *slog.Logger
}

// ProcessInstance is one running execution of a process definition. The
// outermost instance of a nesting hierarchy is the sole owner of the
// sub-process table, the global task index and the outbound message queue;
// nested instances reach them through Outermost.
type ProcessInstance struct {
	ID    string
	Graph *graph.Process
	Root  *TaskInstance

	// Data is the process-level variable mapping.
	Data map[string]any

	// Owner is the enclosing task instance when this is a nested
	// sub-process, nil at the outermost instance.
	Owner *TaskInstance

	// correlations is this instance's conversation state: correlation-key
	// name -> property name -> bound value. Bindings are append-only.
	correlations map[string]map[string]any

	// Outermost-only state.
	subprocesses map[string]*ProcessInstance // owning task ID -> nested instance
	index        map[string]*TaskInstance    // task ID -> instance, whole hierarchy
	outbound     []*schema.EventDefinition

	evaluator *expressions.Evaluator
	registry  *graph.Registry
	log       EventAppender
	logger    *slog.Logger

	completedLogged bool
}

// markCompleted emits the process-completed event once the outermost
// hierarchy has no live instance left.
func (p *ProcessInstance) markCompleted(ctx context.Context) error {
	top := p.Outermost()
	if top.completedLogged || !top.IsCompleted() {
		return nil
	}
	top.completedLogged = true
	return top.log.AppendEvent(ctx, &store.Event{
		ProcessID: top.ID,
		Type:      schema.EventProcessCompleted,
	})
}

// New creates a ProcessInstance for a compiled graph and readies its start
// node. The instance does not advance on its own: call Advance.
func New(g *graph.Process, deps Deps) (*ProcessInstance, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "process graph is nil")
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

	p := &ProcessInstance{
		ID:           uuid.New().String(),
		Graph:        g,
		Data:         map[string]any{},
		correlations: map[string]map[string]any{},
		subprocesses: map[string]*ProcessInstance{},
		index:        map[string]*TaskInstance{},
		evaluator:    ev,
		registry:     deps.Registry,
		log:          log,
		logger:       logger,
	}
	p.Root = p.newInstance(nil, g.Start, schema.TaskStateReady)
	_ = p.log.AppendEvent(context.Background(), &store.Event{
		ProcessID: p.ID,
		Type:      schema.EventProcessStarted,
	})
	return p, nil
}

// Outermost returns the top-level instance of the nesting hierarchy.
func (p *ProcessInstance) Outermost() *ProcessInstance {
	top := p
	for top.Owner != nil {
		top = top.Owner.proc
	}
	return top
}

// Evaluator returns the hierarchy-wide expression evaluator. It is resolved
// once at the outermost instance; nested instances never get their own.
func (p *ProcessInstance) Evaluator() *expressions.Evaluator {
	return p.Outermost().evaluator
}

// newInstance creates a task instance, attaches it to parent and registers it
// in the outermost index. Task IDs are unique across the whole hierarchy.
func (p *ProcessInstance) newInstance(parent *TaskInstance, node *graph.Node, state schema.TaskState) *TaskInstance {
	t := &TaskInstance{
		ID:       uuid.New().String(),
		Node:     node,
		State:    state,
		Parent:   parent,
		Data:     map[string]any{},
		Internal: map[string]any{},
		proc:     p,
	}
	if parent != nil {
		parent.Children = append(parent.Children, t)
		t.Data = schema.CopyData(parent.Data)
	} else {
		t.Data = schema.CopyData(p.Data)
	}
	p.Outermost().index[t.ID] = t
	return t
}

// FindTask resolves a task instance by ID anywhere in the hierarchy. Lookups
// always go through the outermost index; an intermediate instance is never
// authoritative.
func (p *ProcessInstance) FindTask(id string) (*TaskInstance, error) {
	if t, ok := p.Outermost().index[id]; ok {
		return t, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task instance %q not found", id)
}

// Subprocess returns the nested instance owned by the given task, or nil.
func (p *ProcessInstance) Subprocess(ownerID string) *ProcessInstance {
	return p.Outermost().subprocesses[ownerID]
}

// OutboundMessages drains the queue of thrown messages nothing internal
// consumed. They are surfaced for an external actor, oldest first.
func (p *ProcessInstance) OutboundMessages() []*schema.EventDefinition {
	top := p.Outermost()
	out := top.outbound
	top.outbound = nil
	return out
}

// scope returns all process instances rooted at p: p itself plus every
// nested instance whose owning task lives in p's tree, transitively.
// Deterministic order: p first, then nested instances by owning task's tree
// position.
func (p *ProcessInstance) scope() []*ProcessInstance {
	top := p.Outermost()
	out := []*ProcessInstance{p}
	p.Root.walk(func(t *TaskInstance) {
		if nested, ok := top.subprocesses[t.ID]; ok {
			out = append(out, nested.scope()...)
		}
	})
	return out
}

// Tasks returns the task instances in p's hierarchy scope in deterministic
// tree order, optionally filtered by state.
func (p *ProcessInstance) Tasks(states ...schema.TaskState) []*TaskInstance {
	var out []*TaskInstance
	for _, proc := range p.scope() {
		proc.Root.walk(func(t *TaskInstance) {
			if len(states) == 0 {
				out = append(out, t)
				return
			}
			for _, s := range states {
				if t.State == s {
					out = append(out, t)
					return
				}
			}
		})
	}
	return out
}

// ReadyUserTasks returns READY manual tasks, optionally filtered by lane.
func (p *ProcessInstance) ReadyUserTasks(lane string) []*TaskInstance {
	var out []*TaskInstance
	for _, t := range p.Tasks(schema.TaskStateReady) {
		if !t.Node.Manual {
			continue
		}
		if lane != "" && t.Node.Lane != lane {
			continue
		}
		out = append(out, t)
	}
	return out
}

// IsCompleted reports whether no live (READY or WAITING) instance remains
// anywhere in p's scope.
func (p *ProcessInstance) IsCompleted() bool {
	return len(p.Tasks(schema.TaskStateReady)) == 0 && len(p.Tasks(schema.TaskStateWaiting)) == 0
}

// Correlations returns a sorted copy of this instance's conversation
// bindings, for inspection and tests.
func (p *ProcessInstance) Correlations() map[string]map[string]any {
	out := make(map[string]map[string]any, len(p.correlations))
	for k, props := range p.correlations {
		out[k] = schema.CopyData(props)
	}
	return out
}

// transition applies a validated state change and emits the matching log
// event. Explicit resets bypass this through forceState.
func (p *ProcessInstance) transition(ctx context.Context, t *TaskInstance, to schema.TaskState) error {
	if !schema.CanTransition(t.State, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", t.State, to).
			WithTask(t.ID).
			WithDetails(map[string]any{"node": t.Node.ID, "from": string(t.State), "to": string(to)})
	}
	t.State = to

	if eventType := taskEventType(to); eventType != "" {
		if err := p.log.AppendEvent(ctx, &store.Event{
			ProcessID: p.ID,
			TaskID:    t.ID,
			Type:      eventType,
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).
				WithTask(t.ID).WithCause(err)
		}
	}
	return nil
}

// forceState sets a state without legality checks. Reserved for reset, which
// is the one sanctioned exception to state monotonicity.
func (p *ProcessInstance) forceState(ctx context.Context, t *TaskInstance, to schema.TaskState) {
	t.State = to
	_ = p.log.AppendEvent(ctx, &store.Event{
		ProcessID: p.ID,
		TaskID:    t.ID,
		Type:      schema.EventInstanceReset,
	})
}

func taskEventType(to schema.TaskState) string {
	switch to {
	case schema.TaskStateReady:
		return schema.EventTaskReady
	case schema.TaskStateWaiting:
		return schema.EventTaskWaiting
	case schema.TaskStateCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStateCancelled:
		return schema.EventTaskCancelled
	case schema.TaskStateError:
		return schema.EventTaskError
	default:
		return ""
	}
}

// taskTrace builds the diagnostic chain of "task description (process)" from
// t up through every enclosing sub-process, innermost first.
func taskTrace(t *TaskInstance) []string {
	var trace []string
	trace = append(trace, t.Node.Describe())
	for proc := t.proc; proc.Owner != nil; proc = proc.Owner.proc {
		trace = append(trace, proc.Owner.Node.Describe())
	}
	return trace
}

// sortedOwnerIDs returns the sub-process table keys in stable order.
func sortedOwnerIDs(table map[string]*ProcessInstance) []string {
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
