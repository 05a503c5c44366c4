package relations

import (
	"context"
	"sync"
)

// MemoryRelations is the in-process Store used in tests and when no Keto
// deployment is configured.
type MemoryRelations struct {
	mu     sync.RWMutex
	tuples map[string]struct{}
}

// NewMemoryRelations creates an empty in-memory relation store.
func NewMemoryRelations() *MemoryRelations {
	return &MemoryRelations{tuples: make(map[string]struct{})}
}

func (m *MemoryRelations) Check(ctx context.Context, tuple Tuple) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tuples[tuple.String()]
	return ok, nil
}

func (m *MemoryRelations) WriteTuples(ctx context.Context, tuples ...Tuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tuples {
		m.tuples[t.String()] = struct{}{}
	}
	return nil
}

func (m *MemoryRelations) DeleteTuples(ctx context.Context, tuples ...Tuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tuples {
		delete(m.tuples, t.String())
	}
	return nil
}

// Len reports how many tuples exist. Test helper.
func (m *MemoryRelations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tuples)
}
