package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

func timerDef(spec string) *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "delayed",
		Nodes: []schema.NodeDefinition{
			startNode("start", "pause"),
			{ID: "pause", Kind: schema.KindCatchEvent,
				Event:    &schema.EventDefinition{Type: schema.EventTimer, Timer: spec},
				Outgoing: outgoing("done")},
			endNode("done"),
		},
	}
}

func TestParseTimerLiteral(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	deadline, ok := parseTimerLiteral("5m", now)
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Minute), deadline)

	deadline, ok = parseTimerLiteral("2026-03-02T09:30:00Z", now)
	require.True(t, ok)
	assert.True(t, deadline.Equal(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)))

	// Cron cycles resolve to the next firing after now.
	deadline, ok = parseTimerLiteral("cron:0 9 * * *", now)
	require.True(t, ok)
	assert.True(t, deadline.After(now))
	assert.LessOrEqual(t, deadline.Sub(now), 24*time.Hour)
	assert.Equal(t, 9, deadline.Hour())
	assert.Equal(t, 0, deadline.Minute())

	_, ok = parseTimerLiteral("sometime soon", now)
	assert.False(t, ok)
}

func TestTimerCatch_ExpiredDeadlineFires(t *testing.T) {
	app := &mockAppender{}
	p := startInstance(t, timerDef("0s"), nil, Deps{Log: app})

	mustAdvance(t, p)

	assert.True(t, p.IsCompleted())
	requireState(t, p, "pause", schema.TaskStateCompleted)

	var fired bool
	for _, e := range app.Events() {
		if e.Type == schema.EventTimerFired {
			fired = true
		}
	}
	assert.True(t, fired)
}

func TestTimerCatch_FutureDeadlineWaits(t *testing.T) {
	p := startInstance(t, timerDef("1h"), nil, Deps{})

	mustAdvance(t, p)

	assert.False(t, p.IsCompleted())
	pause := instanceOf(t, p, "pause")
	assert.Equal(t, schema.TaskStateWaiting, pause.State)

	raw, armed := pause.Internal[internalDeadline].(string)
	require.True(t, armed, "deadline must be stored on first arming")
	deadline, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	assert.True(t, deadline.After(time.Now().Add(50*time.Minute)))
}

func TestTimerCatch_DeadlineIsArmedOnce(t *testing.T) {
	p := startInstance(t, timerDef("1h"), nil, Deps{})
	ctx := context.Background()
	mustAdvance(t, p)

	pause := instanceOf(t, p, "pause")
	first := pause.Internal[internalDeadline]

	// Re-refreshing a waiting timer must not move the deadline.
	require.NoError(t, p.RefreshWaiting(ctx))
	mustAdvance(t, p)
	assert.Equal(t, first, pause.Internal[internalDeadline])
}

func TestTimerCatch_ExpressionSpec(t *testing.T) {
	p := startInstance(t, timerDef("delay"), map[string]any{"delay": "0s"}, Deps{})

	mustAdvance(t, p)
	assert.True(t, p.IsCompleted())
}

func TestTimerCatch_UnresolvableSpec(t *testing.T) {
	p := startInstance(t, timerDef("delay"), map[string]any{"delay": "whenever"}, Deps{})

	_, err := p.Advance(context.Background())
	require.Error(t, err)
	perr, ok := err.(*schema.ProcessError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
	requireState(t, p, "pause", schema.TaskStateError)
}

func TestTimerStartEvent_Waits(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "scheduled",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Kind: schema.KindStartEvent,
				Event:    &schema.EventDefinition{Type: schema.EventTimer, Timer: "1h"},
				Outgoing: outgoing("done")},
			endNode("done"),
		},
	}
	p := startInstance(t, def, nil, Deps{})

	mustAdvance(t, p)
	assert.False(t, p.IsCompleted())
	requireState(t, p, "start", schema.TaskStateWaiting)
}
