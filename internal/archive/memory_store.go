package archive

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in memory for tests and single-node dev.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	byRun  map[string]*RunRecord
	order  []*RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRun: make(map[string]*RunRecord)}
}

func (s *MemoryStore) SaveRun(_ context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now()
	}
	cp := *rec
	s.byRun[rec.RunID] = &cp
	s.order = append(s.order, &cp)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byRun[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	recs := make([]*RunRecord, 0, n)
	// Newest first, matching the SQL store.
	for i := len(s.order) - 1; i >= 0 && len(recs) < n; i-- {
		cp := *s.order[i]
		recs = append(recs, &cp)
	}
	return recs, nil
}
