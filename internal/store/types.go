package store

import (
	"encoding/json"
	"time"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// ProcessStatus is the persisted lifecycle state of a process execution.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusCancelled ProcessStatus = "cancelled"
	ProcessStatusError     ProcessStatus = "error"
)

// ProcessRecord is the persisted representation of a process execution.
type ProcessRecord struct {
	ID           string                   `json:"id"`
	DefinitionID string                   `json:"definition_id"`
	Name         string                   `json:"name,omitempty"`
	Definition   schema.ProcessDefinition `json:"definition"`
	Status       ProcessStatus            `json:"status"`
	Data         json.RawMessage          `json:"data,omitempty"`
	Error        json.RawMessage          `json:"error,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	CompletedAt  *time.Time               `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// Event is an immutable entry in the append-only execution log. Sequence is
// monotonically increasing per process.
type Event struct {
	ID        int64           `json:"id"`
	ProcessID string          `json:"process_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// SnapshotRecord is a serialized execution state captured at a point in time,
// restorable into a live instance hierarchy.
type SnapshotRecord struct {
	ID        int64           `json:"id"`
	ProcessID string          `json:"process_id"`
	Label     string          `json:"label,omitempty"`
	State     json.RawMessage `json:"state"`
	TakenAt   time.Time       `json:"taken_at"`
}

// --- Filter and update types ---

// ProcessFilter specifies criteria for listing process records.
type ProcessFilter struct {
	Status       *ProcessStatus `json:"status,omitempty"`
	DefinitionID string         `json:"definition_id,omitempty"`
	Since        *time.Time     `json:"since,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
}

// ProcessUpdate specifies mutable fields of a process record.
type ProcessUpdate struct {
	Status      *ProcessStatus  `json:"status,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events by type.
type EventFilter struct {
	ProcessID string     `json:"process_id,omitempty"`
	TaskID    string     `json:"task_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
