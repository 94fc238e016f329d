package storage_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/storage"
	"github.com/TheMichaelB/whsync/test/testutil"
)

func TestBackupSaveLoad(t *testing.T) {
	files := storage.NewMemoryStore()
	clock := testutil.NewClock()
	store := storage.NewBackupStore(files, events.Discard()).WithClock(clock.Now)

	backup := models.NewBackup(testutil.SampleSnapshot(), clock.Now())
	name, err := store.Save(backup)
	require.NoError(t, err)
	assert.Equal(t, "whsync-backup-20240301T080000Z.json", name)
	assert.Len(t, backup.Metadata.Checksum, 64)

	got, err := store.Load(name)
	require.NoError(t, err)
	assert.Equal(t, backup.Metadata.Checksum, got.Metadata.Checksum)
	assert.Equal(t, backup.Data.Counts(), got.Data.Counts())
}

func TestBackupChecksumMismatch(t *testing.T) {
	files := storage.NewMemoryStore()
	store := storage.NewBackupStore(files, events.Discard())

	name, err := store.Save(models.NewBackup(&models.Snapshot{
		Materials: models.RecordMap{"M1": testutil.Material("M1", 10, "")},
	}, time.Now()))
	require.NoError(t, err)

	require.True(t, files.Corrupt(name, func(b []byte) []byte {
		return bytes.Replace(b, []byte(`"capacity": 10`), []byte(`"capacity": 99`), 1)
	}))

	_, err = store.Load(name)
	assert.ErrorIs(t, err, storage.ErrChecksumMismatch)
}

func TestBackupRejectsGarbage(t *testing.T) {
	files := storage.NewMemoryStore()
	store := storage.NewBackupStore(files, events.Discard())

	_, err := store.Save(&models.Backup{Version: models.BackupVersion})
	assert.ErrorIs(t, err, models.ErrInvalidBackupFormat)

	_, err = files.Write("whsync-backup-20240301T080000Z.json", []byte("{not json"))
	require.NoError(t, err)
	_, err = store.Load("whsync-backup-20240301T080000Z.json")
	assert.ErrorIs(t, err, models.ErrInvalidBackupFormat)
}

func TestBackupListLatestPrune(t *testing.T) {
	dir := t.TempDir()
	local, err := storage.NewLocalStore(dir, events.Discard())
	require.NoError(t, err)
	local.SetConflictStrategy(storage.ConflictRename)

	clock := testutil.NewClock()
	store := storage.NewBackupStore(local, events.Discard()).WithClock(clock.Now)

	var names []string
	for i := 0; i < 3; i++ {
		snap := &models.Snapshot{Notes: models.RecordMap{"n": {"text": i}}}
		name, err := store.Save(models.NewBackup(snap, clock.Now()))
		require.NoError(t, err)
		names = append(names, name)
		clock.Advance(time.Hour)
	}

	// Same second twice; rename keeps both
	clock.Advance(-time.Hour)
	dup, err := store.Save(models.NewBackup(&models.Snapshot{Notes: models.RecordMap{}}, clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, "whsync-backup-20240301T100000Z-1.json", dup)

	_, err = local.Write("unrelated.json", []byte("{}"))
	require.NoError(t, err)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, dup, list[0].Name)
	assert.Equal(t, names[2], list[1].Name)
	assert.Equal(t, names[0], list[3].Name)

	latest, name, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, dup, name)
	assert.Empty(t, latest.Data.Notes)

	removed, err := store.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	list, err = store.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	exists, err := local.Exists("unrelated.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBackupLatestEmpty(t *testing.T) {
	store := storage.NewBackupStore(storage.NewMemoryStore(), events.Discard())
	_, _, err := store.Latest()
	assert.ErrorIs(t, err, storage.ErrFileNotFound)
}
