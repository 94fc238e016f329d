// Package state persists local key/value state: cloud sync configuration,
// the unsynced-change ledger, the activity log and section data.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/TheMichaelB/whsync/internal/events"
)

// Store is a small key/value store for JSON documents.
type Store interface {
	// Get returns the raw value stored under key.
	Get(key string) (json.RawMessage, error)

	// Put replaces the value stored under key.
	Put(key string, value json.RawMessage) error

	// Delete removes key. Missing keys are not an error.
	Delete(key string) error

	// Keys lists stored keys with the given prefix, sorted.
	Keys(prefix string) ([]string, error)

	// Lock acquires an exclusive lock for a key.
	Lock(key string) (UnlockFunc, error)

	// Migrate copies every key into target.
	Migrate(target Store) error

	// Close releases resources.
	Close() error
}

// UnlockFunc releases a key lock.
type UnlockFunc func()

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateLocked   = errors.New("state is locked")
	ErrStateCorrupt  = errors.New("state file is corrupt")
	ErrInvalidKey    = errors.New("invalid state key")
)

// Well-known keys.
const (
	KeyCloudSyncConfig   = "cloudsync.config"
	KeyCloudSyncUnsynced = "cloudsync.unsynced"
	KeyCloudSyncActivity = "cloudsync.activity"
	KeyCloudSyncStatus   = "cloudsync.status"

	// DataPrefix namespaces section data, e.g. data.materials
	DataPrefix = "data."
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// lockTimeout bounds Lock.
const lockTimeout = 5 * time.Second

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateKey rejects keys that are unsafe as file names.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// DataKey returns the key holding one data section.
func DataKey(section string) string {
	return DataPrefix + section
}

// Load decodes the value under key into v.
func Load(s Store, key string, v interface{}) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStateCorrupt, key, err)
	}
	return nil
}

// Save encodes v under key.
func Save(s Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(key, raw)
}

// migrate copies every key of src into target.
func migrate(src, target Store) (int, error) {
	keys, err := src.Keys("")
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	for _, key := range keys {
		value, err := src.Get(key)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", key, err)
		}
		if err := target.Put(key, value); err != nil {
			return 0, fmt.Errorf("save %s: %w", key, err)
		}
	}
	return len(keys), nil
}

// keyLocks hands out one mutex per key with a bounded wait.
type keyLocks struct {
	locks map[string]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]chan struct{})}
}

// get must be called under the owning store's mutex.
func (k *keyLocks) get(key string) chan struct{} {
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	return ch
}

func acquire(ch chan struct{}) (UnlockFunc, error) {
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-time.After(lockTimeout):
		return nil, ErrStateLocked
	}
}

// Open creates the store selected by backend: json, sqlite or memory.
func Open(backend, dir string, logger *events.Logger) (Store, error) {
	switch backend {
	case "", "json":
		return NewJSONStore(dir, logger)
	case "sqlite":
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(dir, "state.db"), logger)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("invalid storage backend: %s", backend)
}
