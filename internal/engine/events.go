package engine

import (
	"context"
	"encoding/json"

	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// throw builds the thrown event from a node definition, binds its correlation
// properties into the thrower's conversation and offers it to the hierarchy.
func (p *ProcessInstance) throw(ctx context.Context, t *TaskInstance, ev *schema.EventDefinition) error {
	if ev == nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"throw node %q has no event definition", t.Node.ID)
	}
	def := ev.Copy()
	payload, err := p.buildPayload(ctx, t, def)
	if err != nil {
		return err
	}
	def.Payload = payload

	correlations, err := p.extractCorrelations(ctx, def)
	if err != nil {
		return err
	}
	if err := p.bindCorrelations(ctx, correlations); err != nil {
		return err
	}
	return p.Outermost().Catch(ctx, def, correlations)
}

// buildPayload computes the thrown payload. A declared payload template has
// its string values evaluated as expressions over the thrower's data; an
// absent template snapshots the thrower's data wholesale.
func (p *ProcessInstance) buildPayload(ctx context.Context, t *TaskInstance, def *schema.EventDefinition) (map[string]any, error) {
	if def.Payload == nil {
		return schema.CopyData(t.Data), nil
	}
	out := make(map[string]any, len(def.Payload))
	for k, v := range def.Payload {
		expr, isExpr := v.(string)
		if !isExpr {
			out[k] = v
			continue
		}
		val, err := p.Evaluator().Evaluate(ctx, expr, t.Data)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

// extractCorrelations runs each correlation property's retrieval expression
// against the thrown payload and spreads the value over the property's keys.
func (p *ProcessInstance) extractCorrelations(ctx context.Context, def *schema.EventDefinition) (map[string]map[string]any, error) {
	if len(def.Properties) == 0 {
		return nil, nil
	}
	out := map[string]map[string]any{}
	for _, prop := range def.Properties {
		v, err := p.Evaluator().Transform(ctx, prop.Retrieval, def.Payload)
		if err != nil {
			return nil, err
		}
		for _, key := range prop.Keys {
			if out[key] == nil {
				out[key] = map[string]any{}
			}
			out[key][prop.Name] = v
		}
	}
	return out, nil
}

// Catch offers a thrown event to every matching waiter in the hierarchy. It
// starts matching event sub-processes, delivers to all matching waiting
// catchers (collected before any resolution), and queues undeliverable
// messages for an external consumer. Always invoked at the outermost
// instance.
func (p *ProcessInstance) Catch(ctx context.Context, def *schema.EventDefinition, correlations map[string]map[string]any) error {
	top := p.Outermost()

	started, err := top.startEventSubprocesses(ctx, def, correlations)
	if err != nil {
		return err
	}

	matched := top.matchingWaiters(func(catching *schema.EventDefinition) bool {
		return catching.Matches(def)
	})
	matched = top.resolveBoundaryContention(ctx, matched)

	for _, t := range matched {
		if err := t.proc.bindCorrelations(ctx, correlations); err != nil {
			return err
		}
		t.Internal[internalFired] = true
		t.Internal[internalPayload] = schema.CopyData(def.Payload)
		_ = top.log.AppendEvent(ctx, &store.Event{
			ProcessID: t.proc.ID,
			TaskID:    t.ID,
			Type:      schema.EventMessageCaught,
		})
	}

	if len(matched) == 0 && started == 0 {
		switch def.Type {
		case schema.EventMessage:
			top.outbound = append(top.outbound, def)
			_ = top.log.AppendEvent(ctx, &store.Event{
				ProcessID: top.ID,
				Type:      schema.EventMessageQueued,
				Payload:   marshalPayload(def),
			})
		case schema.EventError:
			return schema.NewErrorf(schema.ErrCodeExecution,
				"unhandled error event %q", def.Code)
		}
		return nil
	}
	return top.RefreshWaiting(ctx)
}

// matchingWaiters collects WAITING, not-yet-fired catching instances across
// the whole hierarchy in deterministic tree order.
func (p *ProcessInstance) matchingWaiters(match func(*schema.EventDefinition) bool) []*TaskInstance {
	var matched []*TaskInstance
	for _, t := range p.Tasks(schema.TaskStateWaiting) {
		if t.fired() || t.Node.Event == nil {
			continue
		}
		switch t.Node.Kind {
		case schema.KindCatchEvent, schema.KindBoundaryEvent, schema.KindStartEvent:
		default:
			continue
		}
		if match(t.Node.Event) {
			matched = append(matched, t)
		}
	}
	return matched
}

// resolveBoundaryContention enforces that at most one boundary event per
// wrapped task receives a single thrown event: the first declared one wins
// and contending siblings are cancelled.
func (p *ProcessInstance) resolveBoundaryContention(ctx context.Context, matched []*TaskInstance) []*TaskInstance {
	seen := map[*TaskInstance]bool{}
	var out []*TaskInstance
	for _, t := range matched {
		if t.Node.Kind != schema.KindBoundaryEvent || t.Parent == nil {
			out = append(out, t)
			continue
		}
		if seen[t.Parent] {
			_ = t.proc.transition(ctx, t, schema.TaskStateCancelled)
			continue
		}
		seen[t.Parent] = true
		out = append(out, t)
	}
	return out
}

// startEventSubprocesses instantiates event sub-process nodes whose start
// event matches the thrown definition. A node with a live instance is not
// restarted.
func (p *ProcessInstance) startEventSubprocesses(ctx context.Context, def *schema.EventDefinition, correlations map[string]map[string]any) (int, error) {
	started := 0
	for _, proc := range p.scope() {
		for _, node := range proc.Graph.EventSubprocessNodes() {
			if node.Event == nil || !node.Event.Matches(def) {
				continue
			}
			if proc.liveInstanceOf(node.ID) != nil {
				continue
			}
			t := proc.newInstance(proc.Root, node, schema.TaskStateReady)
			t.Internal[internalFired] = true
			t.Internal[internalPayload] = schema.CopyData(def.Payload)
			if err := proc.bindCorrelations(ctx, correlations); err != nil {
				return started, err
			}
			_ = proc.log.AppendEvent(ctx, &store.Event{
				ProcessID: proc.ID,
				TaskID:    t.ID,
				Type:      schema.EventTaskReady,
			})
			started++
		}
	}
	return started, nil
}

func marshalPayload(def *schema.EventDefinition) json.RawMessage {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil
	}
	return raw
}
