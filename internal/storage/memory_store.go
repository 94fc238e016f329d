package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a FileStore held in memory for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]memFile

	// Error injection
	WriteErr error
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]memFile)}
}

// Write saves a copy of data, always overwriting.
func (m *MemoryStore) Write(name string, data []byte) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return "", m.WriteErr
	}
	m.files[name] = memFile{data: append([]byte(nil), data...), modTime: time.Now()}
	return name, nil
}

// Read retrieves a copy of the file contents.
func (m *MemoryStore) Read(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return append([]byte(nil), f.data...), nil
}

// Delete removes a file.
func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

// Exists checks if a file exists.
func (m *MemoryStore) Exists(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[name]
	return ok, nil
}

// List returns files ending in suffix, sorted by name.
func (m *MemoryStore) List(suffix string) ([]FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []FileInfo
	for name, f := range m.files {
		if strings.HasSuffix(name, suffix) {
			out = append(out, FileInfo{Name: name, Size: int64(len(f.data)), ModTime: f.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Corrupt replaces the content of name, for checksum tests.
func (m *MemoryStore) Corrupt(name string, edit func([]byte) []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		return false
	}
	f.data = edit(f.data)
	m.files[name] = f
	return true
}

var _ FileStore = (*MemoryStore)(nil)
