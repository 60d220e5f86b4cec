package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", ProcessID(ctx))
	assert.Equal(t, "", TaskID(ctx))
	assert.Equal(t, "", Lane(ctx))

	// Set values.
	ctx = WithProcessID(ctx, "proc-123")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithLane(ctx, "approvers")

	// Round-trip.
	assert.Equal(t, "proc-123", ProcessID(ctx))
	assert.Equal(t, "task-1", TaskID(ctx))
	assert.Equal(t, "approvers", Lane(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	ctx = WithProcessID(ctx, "proc-abc")
	ctx = WithTaskID(ctx, "task-x")
	ctx = WithLane(ctx, "finance")

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "process_id=proc-abc")
	assert.Contains(t, output, "task_id=task-x")
	assert.Contains(t, output, "lane=finance")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only set process ID; task and lane should not appear.
	ctx := WithProcessID(context.Background(), "proc-only")

	enriched := LogWith(ctx, logger)
	enriched.Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "process_id=proc-only")
	assert.NotContains(t, output, "task_id")
	assert.NotContains(t, output, "lane")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// No correlation IDs, no extra attrs.
	enriched := LogWith(context.Background(), logger)
	enriched.Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "process_id")
	assert.NotContains(t, output, "task_id")
	assert.NotContains(t, output, "lane")
	assert.Contains(t, output, "no context")
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "proc-1", "task-2", "ops")
	assert.Equal(t, "proc-1", ProcessID(ctx))
	assert.Equal(t, "task-2", TaskID(ctx))
	assert.Equal(t, "ops", Lane(ctx))
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "proc-auto", "task-auto", "lane-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"process_id":"proc-auto"`)
	assert.Contains(t, output, `"task_id":"task-auto"`)
	assert.Contains(t, output, `"lane":"lane-auto"`)
	assert.Contains(t, output, "auto inject")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "process_id")
	assert.NotContains(t, output, "task_id")
	assert.NotContains(t, output, "lane")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerPartialContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithProcessID(context.Background(), "proc-only")
	logger.InfoContext(ctx, "partial")

	output := buf.String()
	assert.Contains(t, output, `"process_id":"proc-only"`)
	assert.NotContains(t, output, "task_id")
	assert.NotContains(t, output, "lane")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	ctx := WithProcessID(context.Background(), "proc-attr")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"process_id":"proc-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithGroup("engine"))

	ctx := WithProcessID(context.Background(), "proc-grp")
	logger.InfoContext(ctx, "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "proc-grp")
	assert.Contains(t, output, "grouped")
}
