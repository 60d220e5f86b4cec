// Package engine executes compiled process graphs: it instantiates nodes as
// task instances, drives them through the task state machine, runs nested
// sub-processes and delivers events across the instance hierarchy.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tokenflow-io/tokenflow/internal/expressions"
	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// Engine manages process executions end to end: starting instances from
// registered definitions, advancing them, routing external messages and
// persisting records and snapshots through the store.
type Engine struct {
	registry  *graph.Registry
	store     store.Store
	evaluator *expressions.Evaluator
	logger    *slog.Logger

	mu        sync.RWMutex
	instances map[string]*ProcessInstance
}

// Config carries the Engine's collaborators. Store is required; a nil Logger
// falls back to slog's default.
type Config struct {
	Registry *graph.Registry
	Store    store.Store
	Logger   *slog.Logger
}

// NewEngine creates an Engine and its shared expression evaluator.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	reg := cfg.Registry
	if reg == nil {
		reg = graph.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ev, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		registry:  reg,
		store:     cfg.Store,
		evaluator: ev,
		logger:    logger,
		instances: map[string]*ProcessInstance{},
	}, nil
}

// Registry exposes the definition registry for loading processes.
func (e *Engine) Registry() *graph.Registry { return e.registry }

// StartProcess creates an instance of a registered definition, seeds it with
// input data, persists its record and advances it to quiescence.
func (e *Engine) StartProcess(ctx context.Context, definitionID string, input map[string]any) (*ProcessInstance, error) {
	g, err := e.registry.Resolve(definitionID)
	if err != nil {
		return nil, err
	}
	p, err := New(g, Deps{
		Registry:  e.registry,
		Evaluator: e.evaluator,
		Log:       e.store,
		Logger:    e.logger,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range schema.CopyData(input) {
		p.Data[k] = v
		p.Root.Data[k] = v
	}

	rec := &store.ProcessRecord{
		ID:           p.ID,
		DefinitionID: definitionID,
		Name:         g.Name,
		Status:       store.ProcessStatusRunning,
	}
	if err := e.store.CreateProcess(ctx, rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist process record").WithCause(err)
	}

	e.mu.Lock()
	e.instances[p.ID] = p
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "process started",
		slog.String("process_id", p.ID), slog.String("definition_id", definitionID))

	if _, err := p.Advance(ctx); err != nil {
		e.recordFailure(ctx, p, err)
		return p, err
	}
	return p, e.syncRecord(ctx, p)
}

// Instance returns a live instance by ID.
func (e *Engine) Instance(id string) (*ProcessInstance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process instance %q not found", id)
	}
	return p, nil
}

// Instances returns the live instances, unordered.
func (e *Engine) Instances() []*ProcessInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ProcessInstance, 0, len(e.instances))
	for _, p := range e.instances {
		out = append(out, p)
	}
	return out
}

// CompleteTask completes a READY user task and advances the instance.
func (e *Engine) CompleteTask(ctx context.Context, processID, taskID string, data map[string]any) error {
	p, err := e.Instance(processID)
	if err != nil {
		return err
	}
	if err := p.CompleteTask(ctx, taskID, data); err != nil {
		e.recordFailure(ctx, p, err)
		return err
	}
	return e.syncRecord(ctx, p)
}

// DeliverMessage routes an external message to a process instance and
// advances it.
func (e *Engine) DeliverMessage(ctx context.Context, processID, name string, payload map[string]any) error {
	p, err := e.Instance(processID)
	if err != nil {
		return err
	}
	if err := p.CatchExternalMessage(ctx, name, payload); err != nil {
		return err
	}
	if _, err := p.Advance(ctx); err != nil {
		e.recordFailure(ctx, p, err)
		return err
	}
	return e.syncRecord(ctx, p)
}

// RefreshTimers re-evaluates waiting timers on every live instance, advancing
// those that woke up. Called periodically by the serving layer.
func (e *Engine) RefreshTimers(ctx context.Context) error {
	for _, p := range e.Instances() {
		if err := p.RefreshWaiting(ctx); err != nil {
			return err
		}
		if _, err := p.Advance(ctx); err != nil {
			return err
		}
		if err := e.syncRecord(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// ResetTask rewinds an instance to a prior task and advances from there.
func (e *Engine) ResetTask(ctx context.Context, processID, taskID string, data map[string]any) (*TaskInstance, error) {
	p, err := e.Instance(processID)
	if err != nil {
		return nil, err
	}
	t, err := p.ResetTo(ctx, taskID, data)
	if err != nil {
		return nil, err
	}
	if _, err := p.Advance(ctx); err != nil {
		e.recordFailure(ctx, p, err)
		return t, err
	}
	return t, e.syncRecord(ctx, p)
}

// CancelProcess cancels a live instance and marks its record cancelled.
func (e *Engine) CancelProcess(ctx context.Context, processID string) ([]string, error) {
	p, err := e.Instance(processID)
	if err != nil {
		return nil, err
	}
	cancelled := p.Cancel(ctx)
	status := store.ProcessStatusCancelled
	now := time.Now().UTC()
	if err := e.store.UpdateProcess(ctx, p.ID, store.ProcessUpdate{
		Status:      &status,
		CompletedAt: &now,
	}); err != nil {
		return cancelled, schema.NewError(schema.ErrCodeStore, "persist cancellation").WithCause(err)
	}
	return cancelled, nil
}

// SaveSnapshot captures an instance's full state into the store.
func (e *Engine) SaveSnapshot(ctx context.Context, processID, label string) (*store.SnapshotRecord, error) {
	p, err := e.Instance(processID)
	if err != nil {
		return nil, err
	}
	state, err := p.Snapshot()
	if err != nil {
		return nil, err
	}
	snap := &store.SnapshotRecord{
		ProcessID: p.ID,
		Label:     label,
		State:     state,
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist snapshot").WithCause(err)
	}
	return snap, nil
}

// RestoreSnapshot rebuilds a live instance from the newest stored snapshot
// matching the label and registers it with the engine.
func (e *Engine) RestoreSnapshot(ctx context.Context, processID, label string) (*ProcessInstance, error) {
	snap, err := e.store.GetSnapshot(ctx, processID, label)
	if err != nil {
		return nil, err
	}
	p, err := Restore(snap.State, Deps{
		Registry:  e.registry,
		Evaluator: e.evaluator,
		Log:       e.store,
		Logger:    e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.instances[p.ID] = p
	e.mu.Unlock()
	return p, nil
}

// syncRecord persists the instance's data and terminal status.
func (e *Engine) syncRecord(ctx context.Context, p *ProcessInstance) error {
	update := store.ProcessUpdate{}
	if raw, err := json.Marshal(p.Data); err == nil {
		update.Data = raw
	}
	if p.IsCompleted() {
		status := store.ProcessStatusCompleted
		now := time.Now().UTC()
		update.Status = &status
		update.CompletedAt = &now
	}
	if err := e.store.UpdateProcess(ctx, p.ID, update); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist process state").WithCause(err)
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, p *ProcessInstance, cause error) {
	status := store.ProcessStatusError
	update := store.ProcessUpdate{Status: &status}
	if raw, err := json.Marshal(map[string]any{"error": cause.Error()}); err == nil {
		update.Error = raw
	}
	if err := e.store.UpdateProcess(ctx, p.ID, update); err != nil {
		e.logger.ErrorContext(ctx, "persist process failure",
			slog.String("process_id", p.ID), slog.String("error", err.Error()))
	}
	e.logger.ErrorContext(ctx, "process execution failed",
		slog.String("process_id", p.ID), slog.String("error", cause.Error()))
}
