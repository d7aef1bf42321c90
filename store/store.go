// Package store defines the flat string-keyed persistence used by the
// content cache, plus an in-memory implementation.
package store

import "sync"

// Store is a flat string key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// GetItem returns the value stored under key.
	GetItem(key string) (string, bool)
	// SetItem stores value under key, replacing any previous value.
	SetItem(key, value string) error
	// RemoveItem deletes key. Removing an absent key is not an error.
	RemoveItem(key string) error
	// Clear removes every key.
	Clear() error
}

// Memory is the default Store. Its contents live as long as the process.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

// GetItem implements Store.
func (m *Memory) GetItem(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

// SetItem implements Store.
func (m *Memory) SetItem(key, value string) error {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	m.mu.Unlock()
	return nil
}

// RemoveItem implements Store.
func (m *Memory) RemoveItem(key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Clear implements Store.
func (m *Memory) Clear() error {
	m.mu.Lock()
	m.items = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
