package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/whsync/internal/events"
)

// SQLiteStore implements SQLite-based state storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger

	mu    sync.Mutex
	locks *keyLocks
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
		locks:  newKeyLocks(),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS kv_state (
        key TEXT PRIMARY KEY,
        value BLOB NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Get retrieves a value.
func (s *SQLiteStore) Get(key string) (json.RawMessage, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	s.logger.WithField("key", key).Debug("Loading state from SQLite")

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	if !json.Valid(value) {
		return nil, ErrStateCorrupt
	}
	return json.RawMessage(value), nil
}

// Put upserts a value.
func (s *SQLiteStore) Put(key string, value json.RawMessage) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("value for %s is not valid JSON", key)
	}

	s.logger.WithFields(map[string]interface{}{
		"key":  key,
		"size": len(value),
	}).Debug("Saving state to SQLite")

	_, err := s.db.Exec(`
        INSERT INTO kv_state (key, value, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            updated_at = CURRENT_TIMESTAMP
    `, key, []byte(value))
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}

	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if _, err := s.db.Exec("DELETE FROM kv_state WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// Keys lists keys with prefix.
func (s *SQLiteStore) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv_state ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		// Prefix filtered here; LIKE would treat _ as a wildcard
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}

	return keys, rows.Err()
}

// Lock acquires a lock for key.
func (s *SQLiteStore) Lock(key string) (UnlockFunc, error) {
	s.mu.Lock()
	ch := s.locks.get(key)
	s.mu.Unlock()

	return acquire(ch)
}

// Migrate copies every key into target.
func (s *SQLiteStore) Migrate(target Store) error {
	n, err := migrate(s, target)
	if err != nil {
		return err
	}
	s.logger.WithField("count", n).Info("Migrated state")
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
