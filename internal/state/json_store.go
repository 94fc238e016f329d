package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/whsync/internal/events"
)

// JSONStore implements file-based state storage, one file per key.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu    sync.RWMutex
	locks *keyLocks
}

// envelope wraps every stored value with integrity metadata.
type envelope struct {
	Key           string          `json:"key"`
	SchemaVersion int             `json:"schema_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Checksum      string          `json:"checksum,omitempty"`
	Value         json.RawMessage `json:"value"`
}

// checksum hashes the compact form of the value; the file itself is indented.
func (e envelope) checksum() string {
	hash := sha256.Sum256(append([]byte(e.Key+"\x00"), compact(e.Value)...))
	return hex.EncodeToString(hash[:])
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// NewJSONStore creates a JSON-based state store.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_state_store"),
		locks:   newKeyLocks(),
	}, nil
}

// Get reads the value for key, falling back to the backup copy when the
// primary file is corrupt.
func (s *JSONStore) Get(key string) (json.RawMessage, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.statePath(key)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	value, err := s.decode(key, data)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("State corrupt, trying backup")
		if backup, berr := s.loadBackup(key); berr == nil {
			return backup, nil
		}
		return nil, ErrStateCorrupt
	}

	return value, nil
}

func (s *JSONStore) decode(key string, data []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	if env.Key != key {
		return nil, fmt.Errorf("key mismatch: %q", env.Key)
	}

	if env.Checksum != "" && env.Checksum != env.checksum() {
		return nil, fmt.Errorf("checksum mismatch")
	}

	if env.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", env.SchemaVersion).Warn("State schema version mismatch")
	}

	return compact(env.Value), nil
}

// Put writes the value atomically and keeps the previous file as backup.
func (s *JSONStore) Put(key string, value json.RawMessage) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("value for %s is not valid JSON", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.statePath(key)

	s.logger.WithFields(map[string]interface{}{
		"key":  key,
		"size": len(value),
	}).Debug("Saving state")

	env := envelope{
		Key:           key,
		SchemaVersion: CurrentSchemaVersion,
		UpdatedAt:     time.Now().UTC(),
		Value:         compact(value),
	}
	env.Checksum = env.checksum()

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Delete removes key and its backup.
func (s *JSONStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("key", key).Debug("Deleting state")

	path := s.statePath(key)
	_ = os.Remove(path + ".backup")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Keys lists stored keys with prefix.
func (s *JSONStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		if strings.HasPrefix(key, prefix) && ValidateKey(key) == nil {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Lock acquires a lock for key.
func (s *JSONStore) Lock(key string) (UnlockFunc, error) {
	s.mu.Lock()
	ch := s.locks.get(key)
	s.mu.Unlock()

	return acquire(ch)
}

// Migrate transfers all keys to another store.
func (s *JSONStore) Migrate(target Store) error {
	n, err := migrate(s, target)
	if err != nil {
		return err
	}
	s.logger.WithField("count", n).Info("Migrated state")
	return nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) statePath(key string) string {
	return filepath.Join(s.baseDir, key+".json")
}

func (s *JSONStore) loadBackup(key string) (json.RawMessage, error) {
	data, err := os.ReadFile(s.statePath(key) + ".backup")
	if err != nil {
		return nil, err
	}
	return s.decode(key, data)
}

func (s *JSONStore) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
