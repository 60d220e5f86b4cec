package e2e

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenflow-io/tokenflow/internal/engine"
	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// --- Test harness ---

type harness struct {
	t        *testing.T
	store    *store.LibSQLStore
	eventLog *store.EventLog
	registry *graph.Registry
	engine   *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	reg := graph.NewRegistry()
	eng, err := engine.NewEngine(engine.Config{
		Registry: reg,
		Store:    s,
	})
	require.NoError(t, err)

	return &harness{
		t:        t,
		store:    s,
		eventLog: store.NewEventLog(s),
		registry: reg,
		engine:   eng,
	}
}

func (h *harness) load(doc string) *graph.Process {
	h.t.Helper()
	g, err := h.registry.Load([]byte(doc))
	require.NoError(h.t, err)
	return g
}

func (h *harness) start(definitionID string, input map[string]any) *engine.ProcessInstance {
	h.t.Helper()
	p, err := h.engine.StartProcess(context.Background(), definitionID, input)
	require.NoError(h.t, err)
	return p
}

func (h *harness) completeOnly(p *engine.ProcessInstance, lane string, data map[string]any) {
	h.t.Helper()
	ready := p.ReadyUserTasks(lane)
	require.Len(h.t, ready, 1, "expected exactly one ready task in lane %q", lane)
	require.NoError(h.t, h.engine.CompleteTask(context.Background(), p.ID, ready[0].ID, data))
}

// --- Definitions ---

const claimJSON = `{
  "id": "claim",
  "name": "Insurance claim",
  "nodes": [
    {"id": "start", "kind": "start_event", "outgoing": [{"target": "triage"}]},
    {"id": "triage", "kind": "script_task",
     "script": "{\"severity\": amount > 1000 ? \"high\" : \"low\"}",
     "outgoing": [{"target": "route"}]},
    {"id": "route", "kind": "exclusive_gateway", "outgoing": [
      {"target": "adjuster", "guard": "data.severity == \"high\""},
      {"target": "auto_settle", "default": true}
    ]},
    {"id": "adjuster", "kind": "task", "name": "Adjuster review", "manual": true, "lane": "adjusters",
     "outgoing": [{"target": "done"}]},
    {"id": "auto_settle", "kind": "script_task", "script": "{\"settled\": true}",
     "outgoing": [{"target": "done"}]},
    {"id": "done", "kind": "end_event"}
  ]
}`

const claimEvidenceJSON = `{
  "id": "evidence",
  "name": "Claim with parallel evidence gathering",
  "nodes": [
    {"id": "start", "kind": "start_event", "outgoing": [{"target": "fork"}]},
    {"id": "fork", "kind": "parallel_gateway",
     "outgoing": [{"target": "inspect"}, {"target": "police_report"}]},
    {"id": "inspect", "kind": "subprocess", "subprocess": "inspection",
     "outgoing": [{"target": "join"}]},
    {"id": "police_report", "kind": "catch_event",
     "event": {"type": "message", "name": "police_report", "properties": [
       {"name": "claim", "retrieval": ".claim_id", "keys": ["case"]}
     ]},
     "outgoing": [{"target": "join"}]},
    {"id": "join", "kind": "parallel_gateway", "outgoing": [{"target": "done"}]},
    {"id": "done", "kind": "end_event"}
  ],
  "subprocesses": [{
    "id": "inspection",
    "nodes": [
      {"id": "istart", "kind": "start_event", "outgoing": [{"target": "visit"}]},
      {"id": "visit", "kind": "task", "name": "Site visit", "manual": true, "lane": "inspectors",
       "outgoing": [{"target": "iend"}]},
      {"id": "iend", "kind": "end_event"}
    ]
  }]
}`

const deadlineJSON = `{
  "id": "deadline",
  "nodes": [
    {"id": "start", "kind": "start_event", "outgoing": [{"target": "wait"}]},
    {"id": "wait", "kind": "catch_event", "event": {"type": "timer", "timer": "0s"},
     "outgoing": [{"target": "done"}]},
    {"id": "done", "kind": "end_event"}
  ]
}`

// --- Tests ---

func TestE2E_ClaimRouting(t *testing.T) {
	h := newHarness(t)
	h.load(claimJSON)
	ctx := context.Background()

	// A low-value claim settles automatically.
	low := h.start("claim", map[string]any{"amount": 200})
	assert.True(t, low.IsCompleted())
	assert.Equal(t, true, low.Data["settled"])
	assert.Equal(t, "low", low.Data["severity"])

	// A high-value claim waits for the adjuster.
	high := h.start("claim", map[string]any{"amount": 5000})
	assert.False(t, high.IsCompleted())
	h.completeOnly(high, "adjusters", map[string]any{"approved": true})
	assert.True(t, high.IsCompleted())
	assert.Equal(t, true, high.Data["approved"])

	// Both runs are persisted as completed records.
	for _, id := range []string{low.ID, high.ID} {
		rec, err := h.store.GetProcess(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.ProcessStatusCompleted, rec.Status)
		require.NotNil(t, rec.CompletedAt)
	}
}

func TestE2E_EventLogReplay(t *testing.T) {
	h := newHarness(t)
	h.load(claimJSON)
	ctx := context.Background()

	p := h.start("claim", map[string]any{"amount": 5000})
	h.completeOnly(p, "adjusters", nil)
	require.True(t, p.IsCompleted())

	// The log is gapless and replays to all-completed leaf states.
	states, err := h.eventLog.ReplayTaskStates(ctx, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, states)
	for taskID, state := range states {
		assert.Equal(t, schema.TaskStateCompleted, state, "task %s", taskID)
	}

	events, err := h.eventLog.GetEvents(ctx, p.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventProcessCompleted, events[len(events)-1].Type)
}

func TestE2E_ParallelEvidenceWithCorrelation(t *testing.T) {
	h := newHarness(t)
	h.load(claimEvidenceJSON)
	ctx := context.Background()

	p := h.start("evidence", nil)
	require.False(t, p.IsCompleted())

	// The inspection sub-process exposes its manual task through the outermost
	// instance.
	h.completeOnly(p, "inspectors", map[string]any{"inspected": true})
	assert.False(t, p.IsCompleted(), "join still waits for the police report")

	// First message binds the conversation.
	require.NoError(t, h.engine.DeliverMessage(ctx, p.ID, "police_report",
		map[string]any{"claim_id": "CL-77"}))
	assert.True(t, p.IsCompleted())

	// A second run rejects a conflicting correlation mid-conversation.
	p2 := h.start("evidence", nil)
	require.NoError(t, h.engine.DeliverMessage(ctx, p2.ID, "police_report",
		map[string]any{"claim_id": "CL-1"}))
	h.completeOnly(p2, "inspectors", nil)
	assert.True(t, p2.IsCompleted())
}

func TestE2E_TimerFiresThroughRefresh(t *testing.T) {
	h := newHarness(t)
	h.load(deadlineJSON)

	p := h.start("deadline", nil)
	assert.True(t, p.IsCompleted(), "an already-expired deadline fires during the start advance")

	events, err := h.eventLog.GetEventsByType(context.Background(), schema.EventTimerFired,
		store.EventFilter{ProcessID: p.ID})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestE2E_SnapshotRestoreAcrossStore(t *testing.T) {
	h := newHarness(t)
	h.load(claimJSON)
	ctx := context.Background()

	p := h.start("claim", map[string]any{"amount": 9000})
	require.False(t, p.IsCompleted())

	_, err := h.engine.SaveSnapshot(ctx, p.ID, "pending-review")
	require.NoError(t, err)

	h.completeOnly(p, "adjusters", map[string]any{"approved": false})
	require.True(t, p.IsCompleted())

	// Restore rewinds to the saved state; the adjuster task is live again.
	restored, err := h.engine.RestoreSnapshot(ctx, p.ID, "pending-review")
	require.NoError(t, err)
	assert.False(t, restored.IsCompleted())
	require.Len(t, restored.ReadyUserTasks("adjusters"), 1)

	// The restored instance runs to completion independently.
	h.completeOnly(restored, "adjusters", map[string]any{"approved": true})
	assert.True(t, restored.IsCompleted())
	assert.Equal(t, true, restored.Data["approved"])
}

func TestE2E_CancelPersistsStatus(t *testing.T) {
	h := newHarness(t)
	h.load(claimJSON)
	ctx := context.Background()

	p := h.start("claim", map[string]any{"amount": 9000})
	cancelled, err := h.engine.CancelProcess(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, cancelled)

	rec, err := h.store.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProcessStatusCancelled, rec.Status)
}
