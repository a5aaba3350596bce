package jobs

import (
	"context"
	"sync"

	"bulkmail/internal/types"
)

var _ StatusStore = (*MemoryStore)(nil)

// MemoryStore is a process-local StatusStore for local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*types.JobRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*types.JobRecord)}
}

// Upsert applies the transition under the store lock.
func (s *MemoryStore) Upsert(_ context.Context, jobID string, status types.JobStatus, fields types.StatusFields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok {
		rec = &types.JobRecord{JobID: jobID}
	}
	if !types.ApplyTransition(rec, status, fields) {
		return false, nil
	}
	s.records[jobID] = rec
	return true, nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, jobID string) (*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	cp := *rec
	return &cp, nil
}
