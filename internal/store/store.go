package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Processes
	CreateProcess(ctx context.Context, rec *ProcessRecord) error
	GetProcess(ctx context.Context, id string) (*ProcessRecord, error)
	UpdateProcess(ctx context.Context, id string, update ProcessUpdate) error
	ListProcesses(ctx context.Context, filter ProcessFilter) ([]*ProcessRecord, error)
	DeleteProcess(ctx context.Context, id string) error

	// Execution log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, processID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error
	GetSnapshot(ctx context.Context, processID string, label string) (*SnapshotRecord, error)
	ListSnapshots(ctx context.Context, processID string) ([]*SnapshotRecord, error)
	DeleteSnapshots(ctx context.Context, processID string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
