package store

import (
	"context"
	"sync"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string][]byte)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	// return copy
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (s *InMemory) Set(ctx context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cp
	return nil
}

func (s *InMemory) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
