package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

func linearDef() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "linear",
		Nodes: []schema.NodeDefinition{
			startNode("start", "double"),
			scriptTask("double", `{"doubled": x * 2}`, "done"),
			endNode("done"),
		},
	}
}

func TestAdvance_LinearFlow(t *testing.T) {
	p := startInstance(t, linearDef(), map[string]any{"x": 2}, Deps{})

	mustAdvance(t, p)

	assert.True(t, p.IsCompleted())
	assert.EqualValues(t, 4, p.Data["doubled"])
	requireState(t, p, "start", schema.TaskStateCompleted)
	requireState(t, p, "double", schema.TaskStateCompleted)
	requireState(t, p, "done", schema.TaskStateCompleted)
}

func TestAdvance_EmitsLifecycleEvents(t *testing.T) {
	app := &mockAppender{}
	p := startInstance(t, linearDef(), map[string]any{"x": 1}, Deps{Log: app})

	mustAdvance(t, p)

	var types []string
	for _, e := range app.Events() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.EventProcessStarted)
	assert.Contains(t, types, schema.EventTaskReady)
	assert.Contains(t, types, schema.EventTaskCompleted)
	assert.Equal(t, schema.EventProcessCompleted, types[len(types)-1])
}

func TestAdvance_IsIdempotentWhenQuiescent(t *testing.T) {
	p := startInstance(t, linearDef(), map[string]any{"x": 3}, Deps{})

	mustAdvance(t, p)
	before := len(p.Tasks())

	mustAdvance(t, p)
	assert.Equal(t, before, len(p.Tasks()), "a second advance must not create instances")
}

func TestAdvance_StopAt(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "two-steps",
		Nodes: []schema.NodeDefinition{
			startNode("start", "first"),
			scriptTask("first", `{"a": 1}`, "second"),
			scriptTask("second", `{"b": 2}`, "done"),
			endNode("done"),
		},
	}
	p := startInstance(t, def, nil, Deps{})
	ctx := context.Background()

	last, err := p.Advance(ctx, "first")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "first", last.Node.ID, "the stop node is the last executed instance")
	requireState(t, p, "first", schema.TaskStateCompleted)
	requireState(t, p, "second", schema.TaskStateReady)
	assert.False(t, p.IsCompleted())

	last, err = p.Advance(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "done", last.Node.ID, "a full run reports the final end event")
	assert.True(t, p.IsCompleted())
}

func TestAdvance_ManualTaskStaysReady(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "approval",
		Nodes: []schema.NodeDefinition{
			startNode("start", "approve"),
			userTask("approve", "manager", "done"),
			endNode("done"),
		},
	}
	p := startInstance(t, def, nil, Deps{})

	mustAdvance(t, p)

	assert.False(t, p.IsCompleted())
	requireState(t, p, "approve", schema.TaskStateReady)

	ready := p.ReadyUserTasks("manager")
	require.Len(t, ready, 1)
	assert.Equal(t, "approve", ready[0].Node.ID)
	assert.Empty(t, p.ReadyUserTasks("finance"))
}

func TestCompleteTask_MergesDataAndAdvances(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "approval",
		Nodes: []schema.NodeDefinition{
			startNode("start", "approve"),
			userTask("approve", "manager", "done"),
			endNode("done"),
		},
	}
	p := startInstance(t, def, nil, Deps{})
	ctx := context.Background()
	mustAdvance(t, p)

	approve := instanceOf(t, p, "approve")
	require.NoError(t, p.CompleteTask(ctx, approve.ID, map[string]any{"approved": true}))

	assert.True(t, p.IsCompleted())
	assert.Equal(t, true, p.Data["approved"])
}

func TestCompleteTask_RejectsNonReadyAndAutomatic(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "approval",
		Nodes: []schema.NodeDefinition{
			startNode("start", "approve"),
			userTask("approve", "", "after"),
			scriptTask("after", `{"ok": true}`, "done"),
			endNode("done"),
		},
	}
	p := startInstance(t, def, nil, Deps{})
	ctx := context.Background()
	mustAdvance(t, p)

	approve := instanceOf(t, p, "approve")
	started := instanceOf(t, p, "start")

	err := p.CompleteTask(ctx, started.ID, nil)
	require.Error(t, err)
	perr, ok := err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, perr.Code)

	require.NoError(t, p.CompleteTask(ctx, approve.ID, nil))

	err = p.CompleteTask(ctx, approve.ID, nil)
	require.Error(t, err)
	perr, ok = err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, perr.Code)
}

func TestCompleteTask_UnknownID(t *testing.T) {
	p := startInstance(t, linearDef(), nil, Deps{})
	err := p.CompleteTask(context.Background(), "no-such-task", nil)
	require.Error(t, err)
	perr, ok := err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
}

// --- Exclusive gateway ---

func exclusiveDef() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "routing",
		Nodes: []schema.NodeDefinition{
			startNode("start", "route"),
			{ID: "route", Kind: schema.KindExclusiveGateway, Outgoing: []schema.TransitionDefinition{
				{Target: "high", Guard: "data.amount > 100"},
				{Target: "low", Default: true},
			}},
			userTask("high", "", "done"),
			userTask("low", "", "done"),
			endNode("done"),
		},
	}
}

func TestExclusiveGateway_TakesMatchingGuard(t *testing.T) {
	p := startInstance(t, exclusiveDef(), map[string]any{"amount": 250}, Deps{})
	mustAdvance(t, p)

	requireState(t, p, "high", schema.TaskStateReady)
	assert.Empty(t, instancesOf(p, "low"), "losing branch must never be instantiated")
}

func TestExclusiveGateway_FallsBackToDefault(t *testing.T) {
	p := startInstance(t, exclusiveDef(), map[string]any{"amount": 50}, Deps{})
	mustAdvance(t, p)

	requireState(t, p, "low", schema.TaskStateReady)
	assert.Empty(t, instancesOf(p, "high"))
}

func TestExclusiveGateway_NoMatchNoDefault(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "dead-end",
		Nodes: []schema.NodeDefinition{
			startNode("start", "route"),
			{ID: "route", Kind: schema.KindExclusiveGateway, Outgoing: []schema.TransitionDefinition{
				{Target: "high", Guard: "data.amount > 100"},
			}},
			userTask("high", "", "done"),
			endNode("done"),
		},
	}
	p := startInstance(t, def, map[string]any{"amount": 50}, Deps{})

	_, err := p.Advance(context.Background())
	require.Error(t, err)
	perr, ok := err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeGuarding, perr.Code)
	assert.NotEmpty(t, perr.Trace)
	requireState(t, p, "route", schema.TaskStateError)
}

// --- Parallel gateway ---

func parallelDef() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "fan",
		Nodes: []schema.NodeDefinition{
			startNode("start", "fork"),
			{ID: "fork", Kind: schema.KindParallelGateway, Outgoing: outgoing("a", "b", "c")},
			userTask("a", "", "join"),
			userTask("b", "", "join"),
			userTask("c", "", "join"),
			{ID: "join", Kind: schema.KindParallelGateway, Outgoing: outgoing("done")},
			endNode("done"),
		},
	}
}

func TestParallelGateway_ForkAndJoin(t *testing.T) {
	orders := [][]string{
		{"a", "b", "c"},
		{"a", "c", "b"},
		{"b", "a", "c"},
		{"b", "c", "a"},
		{"c", "a", "b"},
		{"c", "b", "a"},
	}
	for _, order := range orders {
		p := startInstance(t, parallelDef(), nil, Deps{})
		ctx := context.Background()
		mustAdvance(t, p)

		requireState(t, p, "a", schema.TaskStateReady)
		requireState(t, p, "b", schema.TaskStateReady)
		requireState(t, p, "c", schema.TaskStateReady)

		for i, nodeID := range order {
			require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, nodeID).ID, nil))
			if i < len(order)-1 {
				assert.False(t, p.IsCompleted(), "order %v: join fired before all branches arrived", order)
				requireState(t, p, "join", schema.TaskStateWaiting)
			}
		}

		assert.True(t, p.IsCompleted(), "order %v", order)
		require.Len(t, instancesOf(p, "join"), 1, "order %v: join must accumulate, not duplicate", order)
	}
}

func TestParallelJoin_MergesBranchData(t *testing.T) {
	p := startInstance(t, parallelDef(), nil, Deps{})
	ctx := context.Background()
	mustAdvance(t, p)

	require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, "a").ID, map[string]any{"fromA": 1}))
	require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, "b").ID, map[string]any{"fromB": 2}))
	require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, "c").ID, map[string]any{"fromC": 3}))

	assert.EqualValues(t, 1, p.Data["fromA"])
	assert.EqualValues(t, 2, p.Data["fromB"])
	assert.EqualValues(t, 3, p.Data["fromC"])
}

// --- Inclusive gateway ---

func TestInclusiveGateway_SkipsDeadBranchesAtJoin(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "optional",
		Nodes: []schema.NodeDefinition{
			startNode("start", "split"),
			{ID: "split", Kind: schema.KindInclusiveGateway, Outgoing: []schema.TransitionDefinition{
				{Target: "a", Guard: "data.wantA == true"},
				{Target: "b", Guard: "data.wantB == true"},
			}},
			userTask("a", "", "join"),
			userTask("b", "", "join"),
			{ID: "join", Kind: schema.KindInclusiveGateway, Outgoing: outgoing("done")},
			endNode("done"),
		},
	}
	p := startInstance(t, def, map[string]any{"wantA": true, "wantB": false}, Deps{})
	ctx := context.Background()
	mustAdvance(t, p)

	requireState(t, p, "a", schema.TaskStateReady)
	assert.Empty(t, instancesOf(p, "b"))

	// The join must not wait for the branch that was never taken.
	require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, "a").ID, nil))
	assert.True(t, p.IsCompleted())
}

func TestInclusiveGateway_WaitsForAllTakenBranches(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "optional",
		Nodes: []schema.NodeDefinition{
			startNode("start", "split"),
			{ID: "split", Kind: schema.KindInclusiveGateway, Outgoing: []schema.TransitionDefinition{
				{Target: "a", Guard: "data.wantA == true"},
				{Target: "b", Guard: "data.wantB == true"},
			}},
			userTask("a", "", "join"),
			userTask("b", "", "join"),
			{ID: "join", Kind: schema.KindInclusiveGateway, Outgoing: outgoing("done")},
			endNode("done"),
		},
	}
	p := startInstance(t, def, map[string]any{"wantA": true, "wantB": true}, Deps{})
	ctx := context.Background()
	mustAdvance(t, p)

	require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, "a").ID, nil))
	assert.False(t, p.IsCompleted(), "join released while branch b was still live")
	requireState(t, p, "join", schema.TaskStateWaiting)

	require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, "b").ID, nil))
	assert.True(t, p.IsCompleted())
}

func TestInclusiveGateway_UnguardedTransitionAlwaysTaken(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "mixed",
		Nodes: []schema.NodeDefinition{
			startNode("start", "split"),
			{ID: "split", Kind: schema.KindInclusiveGateway, Outgoing: []schema.TransitionDefinition{
				{Target: "guarded", Guard: "data.want == true"},
				{Target: "always"},
				{Target: "fallback", Default: true},
			}},
			userTask("guarded", "", "join"),
			userTask("always", "", "join"),
			userTask("fallback", "", "join"),
			{ID: "join", Kind: schema.KindInclusiveGateway, Outgoing: outgoing("done")},
			endNode("done"),
		},
	}
	p := startInstance(t, def, map[string]any{"want": true}, Deps{})
	ctx := context.Background()
	mustAdvance(t, p)

	requireState(t, p, "guarded", schema.TaskStateReady)
	requireState(t, p, "always", schema.TaskStateReady)
	assert.Empty(t, instancesOf(p, "fallback"), "default fires only when nothing else does")

	require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, "guarded").ID, nil))
	require.NoError(t, p.CompleteTask(ctx, instanceOf(t, p, "always").ID, nil))
	assert.True(t, p.IsCompleted())
}

// --- Rule tasks ---

func TestRuleTask_AppliesDecisionOutputs(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "pricing",
		Nodes: []schema.NodeDefinition{
			startNode("start", "decide"),
			{ID: "decide", Kind: schema.KindRuleTask, Rules: &schema.RuleDefinition{
				HitPolicy: "first",
				Inputs:    []string{"tier"},
				Rules: []schema.Rule{
					{Conditions: []string{`data.tier == "gold"`}, Outputs: map[string]any{"discount": 20}},
					{Conditions: []string{""}, Outputs: map[string]any{"discount": 0}},
				},
			}, Outgoing: outgoing("done")},
			endNode("done"),
		},
	}
	p := startInstance(t, def, map[string]any{"tier": "gold"}, Deps{})
	mustAdvance(t, p)

	assert.True(t, p.IsCompleted())
	assert.EqualValues(t, 20, p.Data["discount"])
}

func TestScriptTask_ExpressionErrorSurfacesWithTrace(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "broken",
		Nodes: []schema.NodeDefinition{
			startNode("start", "bad"),
			scriptTask("bad", `1 +`, "done"),
			endNode("done"),
		},
	}
	p := startInstance(t, def, nil, Deps{})

	_, err := p.Advance(context.Background())
	require.Error(t, err)
	perr, ok := err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExpression, perr.Code)
	assert.NotEmpty(t, perr.TaskID)
	requireState(t, p, "bad", schema.TaskStateError)
}
