package matrix

import (
	"context"
	"sync"
)

// Store holds the current matrix. Implementations must return a copy the
// caller may mutate freely.
type Store interface {
	Get(ctx context.Context) (*Matrix, error)
	Set(ctx context.Context, m *Matrix) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	m  *Matrix
}

// NewMemoryStore creates a store seeded with initial, which may be nil.
func NewMemoryStore(initial *Matrix) *MemoryStore {
	if initial == nil {
		initial = New()
	}
	return &MemoryStore{m: initial.Clone()}
}

func (s *MemoryStore) Get(ctx context.Context) (*Matrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Clone(), nil
}

func (s *MemoryStore) Set(ctx context.Context, m *Matrix) error {
	if m == nil {
		m = New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m.Clone()
	return nil
}
