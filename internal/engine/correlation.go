package engine

import (
	"context"
	"reflect"

	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// CatchExternalMessage delivers a named message arriving from outside the
// engine. Exactly one waiting catcher must match the name; its correlation
// properties are extracted from the payload and validated against the target
// instance's conversation before anything is mutated.
func (p *ProcessInstance) CatchExternalMessage(ctx context.Context, name string, payload map[string]any) error {
	top := p.Outermost()

	matched := top.matchingWaiters(func(catching *schema.EventDefinition) bool {
		return messageName(catching) == name
	})
	if len(matched) == 0 {
		started, err := top.startEventSubprocesses(ctx,
			&schema.EventDefinition{Type: schema.EventMessage, Name: name, Payload: payload}, nil)
		if err != nil {
			return err
		}
		if started == 0 {
			return schema.NewErrorf(schema.ErrCodeNoMatchingWaiter,
				"no waiting catcher for message %q", name)
		}
		return top.RefreshWaiting(ctx)
	}
	if len(matched) > 1 {
		return schema.NewErrorf(schema.ErrCodeAmbiguousTarget,
			"message %q matches %d waiting catchers", name, len(matched))
	}

	target := matched[0]
	def := messageDefinition(target.Node.Event, name)
	proc := target.proc

	// An external message must resolve a conversation. A definition without
	// correlation properties has nothing to correlate on, so the delivery is
	// rejected before any state changes.
	if len(def.Properties) == 0 {
		return schema.NewErrorf(schema.ErrCodeCorrelation,
			"message %q resolves no conversation: its definition declares no correlation properties",
			name).WithTask(target.ID)
	}

	// Extract and validate every correlation property before binding any.
	bindings := map[string]map[string]any{}
	for _, prop := range def.Properties {
		v, err := top.Evaluator().Transform(ctx, prop.Retrieval, payload)
		if err != nil {
			return err
		}
		if len(prop.Keys) == 0 {
			return schema.NewErrorf(schema.ErrCodeCorrelation,
				"correlation property %q of message %q declares no keys", prop.Name, name)
		}
		for _, key := range prop.Keys {
			existing, bound := proc.correlations[key][prop.Name]
			if bound && !reflect.DeepEqual(existing, v) {
				return schema.NewErrorf(schema.ErrCodeCorrelation,
					"message %q does not correlate: key %q property %q is bound to %v, got %v",
					name, key, prop.Name, existing, v).WithTask(target.ID)
			}
			if bindings[key] == nil {
				bindings[key] = map[string]any{}
			}
			bindings[key][prop.Name] = v
		}
	}

	if err := proc.bindCorrelations(ctx, bindings); err != nil {
		return err
	}
	target.Internal[internalFired] = true
	target.Internal[internalPayload] = schema.CopyData(payload)
	_ = top.log.AppendEvent(ctx, &store.Event{
		ProcessID: proc.ID,
		TaskID:    target.ID,
		Type:      schema.EventMessageCaught,
	})
	return top.RefreshWaiting(ctx)
}

// bindCorrelations merges extracted correlation values into this instance's
// conversation store. Bindings are append-only; a conflicting rebind fails.
func (p *ProcessInstance) bindCorrelations(ctx context.Context, bindings map[string]map[string]any) error {
	for key, props := range bindings {
		for prop, v := range props {
			existing, bound := p.correlations[key][prop]
			if bound {
				if !reflect.DeepEqual(existing, v) {
					return schema.NewErrorf(schema.ErrCodeCorrelation,
						"correlation key %q property %q is bound to %v, cannot rebind to %v",
						key, prop, existing, v)
				}
				continue
			}
			if p.correlations[key] == nil {
				p.correlations[key] = map[string]any{}
			}
			p.correlations[key][prop] = v
			_ = p.log.AppendEvent(ctx, &store.Event{
				ProcessID: p.ID,
				Type:      schema.EventCorrelationSet,
			})
		}
	}
	return nil
}

// messageName returns the name a catching definition listens on, descending
// into multiple-event definitions. Empty for non-message definitions.
func messageName(d *schema.EventDefinition) string {
	if d == nil {
		return ""
	}
	if d.Type == schema.EventMessage {
		return d.Name
	}
	if d.Type == schema.EventMultiple {
		for i := range d.Definitions {
			if n := messageName(&d.Definitions[i]); n != "" {
				return n
			}
		}
	}
	return ""
}

// messageDefinition resolves the concrete message variant a catcher uses for
// the given name, unwrapping multiple-event definitions.
func messageDefinition(d *schema.EventDefinition, name string) *schema.EventDefinition {
	if d.Type == schema.EventMultiple {
		for i := range d.Definitions {
			if messageName(&d.Definitions[i]) == name {
				return &d.Definitions[i]
			}
		}
	}
	return d
}
