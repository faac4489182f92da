// Package cache defines the advisory cache used in front of entity definitions and lookups.
// The database stays authoritative: writers invalidate, readers fall back on a miss.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Manager is a process-local key/value cache.
type Manager interface {
	// Get returns the cached value of key.
	Get(key string) (interface{}, bool)
	// Set stores value under key. A zero ttl selects the manager's default TTL.
	Set(key string, value interface{}, ttl time.Duration)
	// Delete removes key.
	Delete(key string)
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(prefix string)
}

// NoOpManager caches nothing.
type NoOpManager struct{}

func (NoOpManager) Get(string) (interface{}, bool)         { return nil, false }
func (NoOpManager) Set(string, interface{}, time.Duration) {}
func (NoOpManager) Delete(string)                          {}
func (NoOpManager) DeletePrefix(string)                    {}

// MapManager is an unbounded map cache without expiry, for tests.
type MapManager struct {
	mu    sync.Mutex
	items map[string]interface{}
}

// NewMapManager creates an empty MapManager.
func NewMapManager() *MapManager {
	return &MapManager{items: make(map[string]interface{})}
}

func (m *MapManager) Get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *MapManager) Set(key string, value interface{}, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

func (m *MapManager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

func (m *MapManager) DeletePrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
		}
	}
}

var (
	_ Manager = NoOpManager{}
	_ Manager = (*MapManager)(nil)
)
