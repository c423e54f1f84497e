package store

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a simple in-process journal for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]SessionRecord)}
}

func (s *InMemoryStore) SaveSession(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = cloneRecord(record)
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *InMemoryStore) RecentSessions(_ context.Context, scenarioID string, limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	out := make([]SessionRecord, 0, len(s.records))
	for _, r := range s.records {
		if scenarioID != "" && r.ScenarioID != scenarioID {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneRecord(r SessionRecord) SessionRecord {
	if r.EndedAt != nil {
		t := *r.EndedAt
		r.EndedAt = &t
	}
	if r.Score != nil {
		v := *r.Score
		r.Score = &v
	}
	return r
}
