package store

import (
	"context"
	"sync"

	"github.com/groenwerk/fieldsync/internal/domain"
)

// MemoryStore is a hand-written, in-memory Store used in unit tests.
// No mock-generation library needed.
type MemoryStore struct {
	mu    sync.Mutex
	items []domain.QueueItem

	// Optional error overrides — set in tests to simulate failure paths.
	LoadErr error
	SaveErr error

	// SaveCalls counts Save invocations, letting tests assert write-through
	// persistence without inspecting timing.
	SaveCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) ([]domain.QueueItem, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.QueueItem, len(m.items))
	copy(out, m.items)
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, items []domain.QueueItem) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	m.items = make([]domain.QueueItem, len(items))
	copy(m.items, items)
	return nil
}

// Seed replaces the stored items directly, bypassing Save bookkeeping.
// Tests use it to stage pre-existing queue contents.
func (m *MemoryStore) Seed(items []domain.QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make([]domain.QueueItem, len(items))
	copy(m.items, items)
}

// compile-time check that MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
