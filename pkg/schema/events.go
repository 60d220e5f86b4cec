package schema

// EventType enumerates the tagged variants of an event definition.
type EventType string

const (
	EventMessage    EventType = "message"
	EventTimer      EventType = "timer"
	EventSignal     EventType = "signal"
	EventCancel     EventType = "cancel"
	EventError      EventType = "error"
	EventEscalation EventType = "escalation"
	EventTerminate  EventType = "terminate"
	EventMultiple   EventType = "multiple"
)

// EventDefinition describes what an event node emits or waits for.
// Exactly one variant is populated according to Type. A caught (thrown)
// definition additionally carries a Payload snapshot; the payload is always a
// copy of the thrower's data, never an alias of it.
type EventDefinition struct {
	Type EventType `json:"type"`

	// Message and signal events.
	Name       string                `json:"name,omitempty"`
	Properties []CorrelationProperty `json:"properties,omitempty"`

	// Timer events: a Go duration ("5m"), an RFC3339 timestamp, a
	// "cron:<spec>" cycle, or an expression evaluating to one of those.
	Timer string `json:"timer,omitempty"`

	// Error and escalation events. An empty code on a catching definition
	// matches any thrown code.
	Code string `json:"code,omitempty"`

	// Multiple events: "any" semantics over the child definitions.
	Definitions []EventDefinition `json:"definitions,omitempty"`

	// Runtime payload attached when the event is thrown or delivered.
	Payload map[string]any `json:"payload,omitempty"`
}

// CorrelationProperty binds a message payload field into one or more
// correlation keys. Retrieval is a jq expression evaluated against the
// message payload.
type CorrelationProperty struct {
	Name      string   `json:"name"`
	Retrieval string   `json:"retrieval"`
	Keys      []string `json:"keys"`
}

// Matches reports whether a thrown event satisfies this catching definition.
// Correlation requirements are checked separately by the correlation store;
// this is pure event-shape matching.
func (d *EventDefinition) Matches(thrown *EventDefinition) bool {
	if thrown == nil {
		return false
	}
	switch d.Type {
	case EventMultiple:
		for i := range d.Definitions {
			if d.Definitions[i].Matches(thrown) {
				return true
			}
		}
		return false
	case EventMessage, EventSignal:
		return d.Type == thrown.Type && d.Name == thrown.Name
	case EventError, EventEscalation:
		return d.Type == thrown.Type && (d.Code == "" || d.Code == thrown.Code)
	case EventCancel, EventTerminate:
		return d.Type == thrown.Type
	default:
		// Timers are resolved by deadline polling, never by catch.
		return false
	}
}

// Copy returns a deep copy of the definition, including the payload.
// Thrown events must never alias live task data: a later re-execution of the
// same throw node recomputes its payload independently.
func (d *EventDefinition) Copy() *EventDefinition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Properties = append([]CorrelationProperty(nil), d.Properties...)
	if d.Definitions != nil {
		cp.Definitions = make([]EventDefinition, len(d.Definitions))
		for i := range d.Definitions {
			cp.Definitions[i] = *d.Definitions[i].Copy()
		}
	}
	cp.Payload = CopyData(d.Payload)
	return &cp
}

// CopyData deep-copies a data mapping. Nested maps and slices are copied;
// scalar values are shared (they are immutable from the engine's viewpoint).
func CopyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyData(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
