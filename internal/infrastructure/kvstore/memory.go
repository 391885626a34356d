package kvstore

import (
	"context"
	"sync"
)

// Memory implements an in-memory key/value store (for testing and
// short-lived processes)
type Memory struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewMemory creates a new in-memory store
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
	}
}

// Get retrieves the value stored under key
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.values[key]
	return value, exists, nil
}

// Set stores value under key
func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	return nil
}

// Delete removes the given keys
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

// Len returns the number of stored keys
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}
