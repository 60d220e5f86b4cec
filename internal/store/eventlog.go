package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// EventLog provides execution-log operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide execution-log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-process
// sequence. Uses an immediate write lock to keep sequence reads and writes
// from interleaving under concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. An
	// immediate-mode write forces lock acquisition before the sequence read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE process_id = ?`, event.ProcessID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (process_id, task_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ProcessID, nullStr(event.TaskID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a process with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, processID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, processID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayTaskStates replays the log for a process and returns the final
// recorded state per task instance. Returns an error if sequence gaps are
// detected.
func (el *EventLog) ReplayTaskStates(ctx context.Context, processID string) (map[string]schema.TaskState, error) {
	events, err := el.store.GetEvents(ctx, processID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]schema.TaskState)
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in process %s: expected %d, got %d", processID, expected, e.Sequence)
		}
		if e.TaskID == "" {
			continue
		}
		switch e.Type {
		case schema.EventTaskReady:
			states[e.TaskID] = schema.TaskStateReady
		case schema.EventTaskWaiting:
			states[e.TaskID] = schema.TaskStateWaiting
		case schema.EventTaskCompleted:
			states[e.TaskID] = schema.TaskStateCompleted
		case schema.EventTaskCancelled:
			states[e.TaskID] = schema.TaskStateCancelled
		case schema.EventTaskError:
			states[e.TaskID] = schema.TaskStateError
		case schema.EventInstanceReset:
			states[e.TaskID] = schema.TaskStateReady
		}
	}
	return states, nil
}
