// Package logging carries per-request correlation through context.Context and
// mirrors it onto slog output.
package logging

import (
	"context"
	"log/slog"
)

// ids is the correlation state threaded through a context. It travels as a
// single value so adding one field copies the other two along.
type ids struct {
	processID string
	taskID    string
	lane      string
}

type ctxKey struct{}

func fromContext(ctx context.Context) ids {
	v, _ := ctx.Value(ctxKey{}).(ids)
	return v
}

// WithProcessID stamps the process instance ID onto the context.
func WithProcessID(ctx context.Context, id string) context.Context {
	v := fromContext(ctx)
	v.processID = id
	return context.WithValue(ctx, ctxKey{}, v)
}

// WithTaskID stamps the task instance ID onto the context.
func WithTaskID(ctx context.Context, id string) context.Context {
	v := fromContext(ctx)
	v.taskID = id
	return context.WithValue(ctx, ctxKey{}, v)
}

// WithLane stamps the acting lane onto the context.
func WithLane(ctx context.Context, lane string) context.Context {
	v := fromContext(ctx)
	v.lane = lane
	return context.WithValue(ctx, ctxKey{}, v)
}

// WithIDs stamps all three correlation values in one call.
func WithIDs(ctx context.Context, processID, taskID, lane string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ids{processID: processID, taskID: taskID, lane: lane})
}

// ProcessID reads the process instance ID back, "" when never stamped.
func ProcessID(ctx context.Context) string { return fromContext(ctx).processID }

// TaskID reads the task instance ID back, "" when never stamped.
func TaskID(ctx context.Context) string { return fromContext(ctx).taskID }

// Lane reads the acting lane back, "" when never stamped.
func Lane(ctx context.Context) string { return fromContext(ctx).lane }

// attrs renders the stamped values as slog attributes, skipping empty ones.
func attrs(ctx context.Context) []slog.Attr {
	v := fromContext(ctx)
	out := make([]slog.Attr, 0, 3)
	if v.processID != "" {
		out = append(out, slog.String("process_id", v.processID))
	}
	if v.taskID != "" {
		out = append(out, slog.String("task_id", v.taskID))
	}
	if v.lane != "" {
		out = append(out, slog.String("lane", v.lane))
	}
	return out
}

// LogWith returns logger pre-bound to whatever correlation the context holds.
// Handy at call sites that log repeatedly for the same task.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler is an slog.Handler decorator that copies the context's
// correlation values onto each record, so plain logger.InfoContext calls pick
// them up without any per-site wiring.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
