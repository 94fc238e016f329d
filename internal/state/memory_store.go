package state

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps state in memory. Used by tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
	locks  *keyLocks

	// Error injection
	PutErr error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]json.RawMessage),
		locks:  newKeyLocks(),
	}
}

// Get returns a copy of the value.
func (m *MemoryStore) Get(key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

// Put stores a copy of value.
func (m *MemoryStore) Put(key string, value json.RawMessage) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PutErr != nil {
		return m.PutErr
	}
	m.values[key] = append(json.RawMessage(nil), value...)
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys lists keys with prefix.
func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock acquires a lock for key.
func (m *MemoryStore) Lock(key string) (UnlockFunc, error) {
	m.mu.Lock()
	ch := m.locks.get(key)
	m.mu.Unlock()

	return acquire(ch)
}

// Migrate copies every key into target.
func (m *MemoryStore) Migrate(target Store) error {
	_, err := migrate(m, target)
	return err
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Clear removes all values.
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]json.RawMessage)
}

