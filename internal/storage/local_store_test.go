package storage_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/storage"
)

func newLocalStore(t *testing.T) (*storage.LocalStore, string) {
	t.Helper()
	tmpDir := t.TempDir()
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	store, err := storage.NewLocalStore(tmpDir, logger)
	require.NoError(t, err)
	return store, tmpDir
}

func TestNameSanitization(t *testing.T) {
	store, tmpDir := newLocalStore(t)

	tests := []struct {
		name    string
		file    string
		wantErr bool
	}{
		{"normal name", "backup.json", false},
		{"parent traversal", "../etc/passwd", true},
		{"nested path", "notes/test.json", true},
		{"backslash", `notes\test.json`, true},
		{"absolute path", "/etc/passwd", true},
		{"dot dot", "..", true},
		{"hidden", ".env", true},
		{"null bytes", "test\x00.json", true},
		{"very long name", strings.Repeat("a", 300) + ".json", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Write(tt.file, []byte("test"))
			if tt.wantErr {
				assert.ErrorIs(t, err, storage.ErrInvalidName)
				return
			}
			require.NoError(t, err)

			_, err = os.Stat(filepath.Join(tmpDir, tt.file))
			assert.NoError(t, err)
		})
	}
}

func TestAtomicWrites(t *testing.T) {
	store, tmpDir := newLocalStore(t)

	t.Run("concurrent writes different files", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				name := fmt.Sprintf("concurrent-%d.txt", n)
				if _, err := store.Write(name, []byte(fmt.Sprintf("content-%d", n))); err != nil {
					errs <- err
				}
			}(i)
		}

		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("Write error: %v", err)
		}

		for i := 0; i < 10; i++ {
			data, err := store.Read(fmt.Sprintf("concurrent-%d.txt", i))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("content-%d", i), string(data))
		}
	})

	t.Run("size limit", func(t *testing.T) {
		store.SetMaxFileSize(1024)
		defer store.SetMaxFileSize(50 * 1024 * 1024)

		_, err := store.Write("large.txt", bytes.Repeat([]byte("b"), 2048))
		assert.ErrorIs(t, err, storage.ErrFileTooLarge)

		exists, _ := store.Exists("large.txt")
		assert.False(t, exists)
	})

	t.Run("write failure cleanup", func(t *testing.T) {
		require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "blocker"), 0700))

		_, err := store.Write("blocker", []byte("data"))
		assert.Error(t, err)

		entries, err := os.ReadDir(tmpDir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp-", "temp file left behind")
		}
	})
}

func TestConflictStrategies(t *testing.T) {
	t.Run("overwrite", func(t *testing.T) {
		store, _ := newLocalStore(t)
		_, err := store.Write("conflict.json", []byte("original"))
		require.NoError(t, err)

		name, err := store.Write("conflict.json", []byte("new content"))
		require.NoError(t, err)
		assert.Equal(t, "conflict.json", name)

		data, err := store.Read("conflict.json")
		require.NoError(t, err)
		assert.Equal(t, "new content", string(data))
	})

	t.Run("rename", func(t *testing.T) {
		store, _ := newLocalStore(t)
		store.SetConflictStrategy(storage.ConflictRename)

		_, err := store.Write("rename.json", []byte("original"))
		require.NoError(t, err)
		second, err := store.Write("rename.json", []byte("second"))
		require.NoError(t, err)
		third, err := store.Write("rename.json", []byte("third"))
		require.NoError(t, err)

		assert.Equal(t, "rename-1.json", second)
		assert.Equal(t, "rename-2.json", third)

		data, err := store.Read("rename.json")
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))
	})

	t.Run("error", func(t *testing.T) {
		store, _ := newLocalStore(t)
		store.SetConflictStrategy(storage.ConflictError)

		_, err := store.Write("exists.json", []byte("original"))
		require.NoError(t, err)
		_, err = store.Write("exists.json", []byte("again"))
		assert.ErrorIs(t, err, storage.ErrFileExists)
	})
}

func TestReadDeleteList(t *testing.T) {
	store, tmpDir := newLocalStore(t)

	_, err := store.Read("missing.json")
	assert.ErrorIs(t, err, storage.ErrFileNotFound)
	assert.NoError(t, store.Delete("missing.json"))

	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		_, err := store.Write(name, []byte(name))
		require.NoError(t, err)
	}

	files, err := store.List(".json")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.json", files[0].Name)
	assert.Equal(t, int64(len("a.json")), files[0].Size)

	require.NoError(t, store.Delete("a.json"))
	exists, err := store.Exists("a.json")
	require.NoError(t, err)
	assert.False(t, exists)

	t.Run("symlinks refused", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "secret")
		require.NoError(t, os.WriteFile(target, []byte("secret"), 0600))
		if err := os.Symlink(target, filepath.Join(tmpDir, "link.json")); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}

		_, err := store.Read("link.json")
		assert.ErrorIs(t, err, storage.ErrInvalidName)
	})
}
