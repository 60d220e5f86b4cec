package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. It mirrors
// the LibSQL implementation's semantics, including per-process event
// sequencing.
type MemoryStore struct {
	mu        sync.RWMutex
	processes map[string]*ProcessRecord
	events    map[string][]*Event
	snapshots map[string][]*SnapshotRecord
	nextEvent int64
	nextSnap  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processes: map[string]*ProcessRecord{},
		events:    map[string][]*Event{},
		snapshots: map[string][]*SnapshotRecord{},
	}
}

func (s *MemoryStore) CreateProcess(_ context.Context, rec *ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.processes[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProcess(_ context.Context, id string) (*ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.processes[id]
	if !ok {
		return nil, storeNotFound("process", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdateProcess(_ context.Context, id string, update ProcessUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.processes[id]
	if !ok {
		return storeNotFound("process", id)
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.Data != nil {
		rec.Data = update.Data
	}
	if update.Error != nil {
		rec.Error = update.Error
	}
	if update.CompletedAt != nil {
		rec.CompletedAt = update.CompletedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListProcesses(_ context.Context, filter ProcessFilter) ([]*ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ProcessRecord
	for _, rec := range s.processes {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.DefinitionID != "" && rec.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteProcess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[id]; !ok {
		return storeNotFound("process", id)
	}
	delete(s.processes, id)
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvent++
	cp := *event
	cp.ID = s.nextEvent
	cp.Sequence = int64(len(s.events[cp.ProcessID]) + 1)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[cp.ProcessID] = append(s.events[cp.ProcessID], &cp)
	event.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, processID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[processID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for pid, events := range s.events {
		if filter.ProcessID != "" && pid != filter.ProcessID {
			continue
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.TaskID != "" && e.TaskID != filter.TaskID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnap++
	cp := *snap
	cp.ID = s.nextSnap
	if cp.TakenAt.IsZero() {
		cp.TakenAt = time.Now().UTC()
	}
	s.snapshots[cp.ProcessID] = append(s.snapshots[cp.ProcessID], &cp)
	snap.ID = cp.ID
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, processID string, label string) (*SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[processID]
	for i := len(snaps) - 1; i >= 0; i-- {
		if label == "" || snaps[i].Label == label {
			cp := *snaps[i]
			return &cp, nil
		}
	}
	return nil, storeNotFound("snapshot", processID)
}

func (s *MemoryStore) ListSnapshots(_ context.Context, processID string) ([]*SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SnapshotRecord
	for _, snap := range s.snapshots[processID] {
		cp := *snap
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) DeleteSnapshots(_ context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, processID)
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Vacuum(context.Context) error  { return nil }
func (s *MemoryStore) Close() error                  { return nil }
