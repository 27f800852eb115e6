package idempotency

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used by tests and the simulator.
type MemoryStore struct {
	mu       sync.Mutex
	consumed map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{consumed: make(map[string]struct{})}
}

func (s *MemoryStore) MarkConsumed(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consumed[id]; ok {
		return false, nil
	}
	s.consumed[id] = struct{}{}
	return true, nil
}

func (s *MemoryStore) Seen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.consumed[id]
	return ok, nil
}

// Len returns the number of consumed identifiers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumed)
}
