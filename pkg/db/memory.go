package db

import (
	"sync"

	"github.com/WebFirstLanguage/histnet/pkg/content"
)

// MemoryStore is a Store held in a map
type MemoryStore struct {
	mu    sync.RWMutex
	items map[content.ID][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[content.ID][]byte)}
}

// Get returns a copy of the value stored under id
func (m *MemoryStore) Get(id content.ID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

// Put stores value under id
func (m *MemoryStore) Put(id content.ID, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = append([]byte{}, value...)
	return nil
}

// Has reports whether id is stored
func (m *MemoryStore) Has(id content.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[id]
	return ok, nil
}

// Delete removes id
func (m *MemoryStore) Delete(id content.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// Count returns the number of stored items
func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
