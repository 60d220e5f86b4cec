package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockAppender) TypesFor(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.TaskID == taskID {
			out = append(out, e.Type)
		}
	}
	return out
}

func mustCompile(t *testing.T, def *schema.ProcessDefinition) *graph.Process {
	t.Helper()
	g, err := graph.Compile(def)
	require.NoError(t, err)
	return g
}

// startInstance compiles def, creates an instance and seeds it with input the
// same way the engine manager does. The instance is not advanced.
func startInstance(t *testing.T, def *schema.ProcessDefinition, input map[string]any, deps Deps) *ProcessInstance {
	t.Helper()
	p, err := New(mustCompile(t, def), deps)
	require.NoError(t, err)
	for k, v := range input {
		p.Data[k] = v
		p.Root.Data[k] = v
	}
	return p
}

// mustAdvance runs the instance until it settles, failing the test on error.
func mustAdvance(t *testing.T, p *ProcessInstance) {
	t.Helper()
	_, err := p.Advance(context.Background())
	require.NoError(t, err)
}

// instancesOf returns every task instance of the given node across the whole
// hierarchy, in tree order.
func instancesOf(p *ProcessInstance, nodeID string) []*TaskInstance {
	var out []*TaskInstance
	for _, t := range p.Tasks() {
		if t.Node.ID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

// instanceOf returns the single task instance of the given node and fails the
// test when none or more than one exists.
func instanceOf(t *testing.T, p *ProcessInstance, nodeID string) *TaskInstance {
	t.Helper()
	all := instancesOf(p, nodeID)
	require.Len(t, all, 1, "expected exactly one instance of node %q", nodeID)
	return all[0]
}

func requireState(t *testing.T, p *ProcessInstance, nodeID string, state schema.TaskState) {
	t.Helper()
	require.Equal(t, state, instanceOf(t, p, nodeID).State, "node %q", nodeID)
}

// Common node shorthands for fixture definitions.

func startNode(id string, targets ...string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Kind: schema.KindStartEvent, Outgoing: outgoing(targets...)}
}

func endNode(id string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Kind: schema.KindEndEvent}
}

func userTask(id, lane string, targets ...string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Kind: schema.KindTask, Manual: true, Lane: lane, Outgoing: outgoing(targets...)}
}

func scriptTask(id, script string, targets ...string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Kind: schema.KindScriptTask, Script: script, Outgoing: outgoing(targets...)}
}

func outgoing(targets ...string) []schema.TransitionDefinition {
	var out []schema.TransitionDefinition
	for _, target := range targets {
		out = append(out, schema.TransitionDefinition{Target: target})
	}
	return out
}
