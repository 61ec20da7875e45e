package interaction

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process store for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Interaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Interaction)}
}

func (s *MemoryStore) Append(_ context.Context, it Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[it.SessionID] = append(s.records[it.SessionID], it)
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string, limit int) ([]Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Interaction, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, arr := range s.records {
		kept := arr[:0]
		for _, it := range arr {
			if it.CreatedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(s.records, id)
			continue
		}
		s.records[id] = kept
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
