package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Processes ---

func (s *LibSQLStore) CreateProcess(ctx context.Context, rec *ProcessRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes (id, definition_id, name, definition, status, data, error, created_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DefinitionID, nullStr(rec.Name), string(def), string(rec.Status),
		nullRaw(rec.Data), nullRaw(rec.Error),
		timeOrNow(rec.CreatedAt), nullTime(rec.CompletedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetProcess(ctx context.Context, id string) (*ProcessRecord, error) {
	rec := &ProcessRecord{}
	var (
		name                sql.NullString
		defJSON, status     string
		dataJSON, errorJSON sql.NullString
		completedAt         sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, name, definition, status, data, error, created_at, completed_at, updated_at
		 FROM processes WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.DefinitionID, &name, &defJSON, &status, &dataJSON, &errorJSON,
		&rec.CreatedAt, &completedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("process", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.Status = ProcessStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	rec.Data = rawOrNil(dataJSON)
	rec.Error = rawOrNil(errorJSON)
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) UpdateProcess(ctx context.Context, id string, update ProcessUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Data != nil {
		sets = append(sets, "data = ?")
		args = append(args, string(update.Data))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "process", id)
}

func (s *LibSQLStore) ListProcesses(ctx context.Context, filter ProcessFilter) ([]*ProcessRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, definition_id, name, definition, status, data, error, created_at, completed_at, updated_at FROM processes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ProcessRecord
	for rows.Next() {
		rec := &ProcessRecord{}
		var (
			name                sql.NullString
			defJSON, status     string
			dataJSON, errorJSON sql.NullString
			completedAt         sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.DefinitionID, &name, &defJSON, &status,
			&dataJSON, &errorJSON, &rec.CreatedAt, &completedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.Status = ProcessStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		rec.Data = rawOrNil(dataJSON)
		rec.Error = rawOrNil(errorJSON)
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) DeleteProcess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "process", id)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this process.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE process_id = ?`, event.ProcessID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (process_id, task_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ProcessID, nullStr(event.TaskID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, processID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, process_id, task_id, event_type, payload, timestamp, sequence
		 FROM events WHERE process_id = ? AND sequence > ? ORDER BY sequence ASC`,
		processID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, filter.ProcessID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, process_id, task_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp ASC, sequence ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var taskID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ProcessID, &taskID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (process_id, label, state, taken_at) VALUES (?, ?, ?, ?)`,
		snap.ProcessID, nullStr(snap.Label), string(snap.State), timeOrNow(snap.TakenAt),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		snap.ID = id
	}
	return nil
}

// GetSnapshot returns the newest snapshot for a process, optionally matching
// a label.
func (s *LibSQLStore) GetSnapshot(ctx context.Context, processID string, label string) (*SnapshotRecord, error) {
	query := `SELECT id, process_id, label, state, taken_at FROM snapshots WHERE process_id = ?`
	args := []any{processID}
	if label != "" {
		query += ` AND label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	snap := &SnapshotRecord{}
	var lbl, state sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&snap.ID, &snap.ProcessID, &lbl, &state, &snap.TakenAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", processID)
	}
	if err != nil {
		return nil, err
	}
	snap.Label = lbl.String
	snap.State = rawOrNil(state)
	return snap, nil
}

func (s *LibSQLStore) ListSnapshots(ctx context.Context, processID string) ([]*SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, process_id, label, state, taken_at FROM snapshots WHERE process_id = ? ORDER BY id ASC`,
		processID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*SnapshotRecord
	for rows.Next() {
		snap := &SnapshotRecord{}
		var lbl, state sql.NullString
		if err := rows.Scan(&snap.ID, &snap.ProcessID, &lbl, &state, &snap.TakenAt); err != nil {
			return nil, err
		}
		snap.Label = lbl.String
		snap.State = rawOrNil(state)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *LibSQLStore) DeleteSnapshots(ctx context.Context, processID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE process_id = ?`, processID)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ProcessError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
