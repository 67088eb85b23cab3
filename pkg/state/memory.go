package state

import (
	"context"
	"sync"

	"github.com/tributary-data/tributary/pkg/checksum"
)

// MemoryStore is an in-memory state store for tests and one-shot runs.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[string]*SyncState
	indexes map[string]checksum.Index
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]*SyncState),
		indexes: make(map[string]checksum.Index),
	}
}

// Load returns the table's state, or nil when the table has never been
// synced
func (s *MemoryStore) Load(ctx context.Context, table string) (*SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[table]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// Save writes the table's state
func (s *MemoryStore) Save(ctx context.Context, st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.states[st.Table] = &cp
	return nil
}

// LoadIndex returns the table's checksum index, empty when absent
func (s *MemoryStore) LoadIndex(ctx context.Context, table string) (checksum.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ix, ok := s.indexes[table]
	if !ok {
		return checksum.Index{}, nil
	}
	return ix.Clone(), nil
}

// SaveIndex writes the table's checksum index
func (s *MemoryStore) SaveIndex(ctx context.Context, table string, ix checksum.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.indexes[table] = ix.Clone()
	return nil
}

// Close releases the store
func (s *MemoryStore) Close() error {
	return nil
}
