package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// midFlightInstance builds a hierarchy with a waiting sub-process, a pending
// manual task and bound correlations, advanced to quiescence.
func midFlightInstance(t *testing.T, reg *graph.Registry) *ProcessInstance {
	t.Helper()
	child := schema.ProcessDefinition{
		ID: "review",
		Nodes: []schema.NodeDefinition{
			startNode("rstart", "check"),
			userTask("check", "qa", "rend"),
			endNode("rend"),
		},
	}
	def := &schema.ProcessDefinition{
		ID: "ship",
		Nodes: []schema.NodeDefinition{
			startNode("start", "fork"),
			{ID: "fork", Kind: schema.KindParallelGateway, Outgoing: outgoing("call", "await")},
			{ID: "call", Kind: schema.KindSubProcess, Subprocess: "review", Outgoing: outgoing("join")},
			{ID: "await", Kind: schema.KindCatchEvent,
				Event: &schema.EventDefinition{
					Type: schema.EventMessage, Name: "approve",
					Properties: []schema.CorrelationProperty{
						{Name: "order", Retrieval: ".order_id", Keys: []string{"conversation"}},
					},
				},
				Outgoing: outgoing("join")},
			{ID: "join", Kind: schema.KindParallelGateway, Outgoing: outgoing("done")},
			endNode("done"),
		},
		Subprocesses: []schema.ProcessDefinition{child},
	}
	g := mustCompile(t, def)
	reg.Register(g)

	p, err := New(g, Deps{Registry: reg})
	require.NoError(t, err)
	p.Data["batch"] = "B-7"
	p.Root.Data["batch"] = "B-7"
	mustAdvance(t, p)
	return p
}

func TestSnapshot_IdenticalBytesForSameState(t *testing.T) {
	reg := graph.NewRegistry()
	p := midFlightInstance(t, reg)

	first, err := p.Snapshot()
	require.NoError(t, err)
	second, err := p.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, first, second, "equal state must serialize to identical bytes")
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	reg := graph.NewRegistry()
	p := midFlightInstance(t, reg)
	ctx := context.Background()

	require.NoError(t, p.CatchExternalMessage(ctx, "approve", map[string]any{"order_id": "A-1"}))
	mustAdvance(t, p)

	raw, err := p.Snapshot()
	require.NoError(t, err)

	restored, err := Restore(raw, Deps{Registry: reg})
	require.NoError(t, err)

	assert.Equal(t, p.ID, restored.ID)
	assert.Equal(t, p.Data["batch"], restored.Data["batch"])
	assert.Equal(t, p.Correlations(), restored.Correlations())

	// Task states and IDs survive verbatim.
	want := p.Tasks()
	got := restored.Tasks()
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Node.ID, got[i].Node.ID)
		assert.Equal(t, want[i].State, got[i].State)
	}

	// Re-serializing the restored hierarchy reproduces the snapshot.
	again, err := restored.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestSnapshot_RestoredInstanceKeepsRunning(t *testing.T) {
	reg := graph.NewRegistry()
	p := midFlightInstance(t, reg)
	ctx := context.Background()

	raw, err := p.Snapshot()
	require.NoError(t, err)
	restored, err := Restore(raw, Deps{Registry: reg})
	require.NoError(t, err)

	// Nested manual task is live again and completable.
	ready := restored.ReadyUserTasks("qa")
	require.Len(t, ready, 1)
	require.NoError(t, restored.CompleteTask(ctx, ready[0].ID, map[string]any{"verdict": "pass"}))

	requireState(t, restored, "call", schema.TaskStateCompleted)
	assert.Equal(t, "pass", restored.Data["verdict"])

	// The message catch still waits; correlation flow picks up where it was.
	require.NoError(t, restored.CatchExternalMessage(ctx, "approve", map[string]any{"order_id": "A-1"}))
	mustAdvance(t, restored)
	assert.True(t, restored.IsCompleted())

	// The original instance is untouched by work on the restored copy.
	assert.False(t, p.IsCompleted())
}

func TestSnapshot_PreservesOutboundQueue(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "notify",
		Nodes: []schema.NodeDefinition{
			startNode("start", "fork"),
			{ID: "fork", Kind: schema.KindParallelGateway, Outgoing: outgoing("announce", "hold")},
			{ID: "announce", Kind: schema.KindThrowEvent,
				Event:    &schema.EventDefinition{Type: schema.EventMessage, Name: "shipped"},
				Outgoing: outgoing("sent")},
			userTask("hold", "", "done"),
			endNode("sent"),
			endNode("done"),
		},
	}
	reg := graph.NewRegistry()
	g := mustCompile(t, def)
	reg.Register(g)
	p, err := New(g, Deps{Registry: reg})
	require.NoError(t, err)
	mustAdvance(t, p)

	raw, err := p.Snapshot()
	require.NoError(t, err)
	restored, err := Restore(raw, Deps{Registry: reg})
	require.NoError(t, err)

	out := restored.OutboundMessages()
	require.Len(t, out, 1)
	assert.Equal(t, "shipped", out[0].Name)
}

func TestRestore_RequiresRegistry(t *testing.T) {
	reg := graph.NewRegistry()
	p := midFlightInstance(t, reg)
	raw, err := p.Snapshot()
	require.NoError(t, err)

	_, err = Restore(raw, Deps{})
	require.Error(t, err)
	perr, ok := err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestRestore_UnknownDefinition(t *testing.T) {
	reg := graph.NewRegistry()
	p := midFlightInstance(t, reg)
	raw, err := p.Snapshot()
	require.NoError(t, err)

	_, err = Restore(raw, Deps{Registry: graph.NewRegistry()})
	require.Error(t, err)
	perr, ok := err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
}

func TestRestore_RejectsGarbage(t *testing.T) {
	_, err := Restore([]byte(`{"process"`), Deps{Registry: graph.NewRegistry()})
	require.Error(t, err)
	perr, ok := err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}
