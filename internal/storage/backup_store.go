package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
)

const (
	backupPrefix = "whsync-backup-"
	backupSuffix = ".json"
	backupLayout = "20060102T150405Z"
)

// ErrChecksumMismatch is returned when a backup file was altered.
var ErrChecksumMismatch = errors.New("backup checksum mismatch")

// BackupStore writes exported backups as checksummed JSON files.
type BackupStore struct {
	files  FileStore
	logger *events.Logger
	now    func() time.Time
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// NewBackupStore creates a backup store over files.
func NewBackupStore(files FileStore, logger *events.Logger) *BackupStore {
	return &BackupStore{
		files:  files,
		logger: logger.WithField("component", "backup_store"),
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (b *BackupStore) WithClock(now func() time.Time) *BackupStore {
	b.now = now
	return b
}

// Checksum hashes the data section of a backup.
func Checksum(backup *models.Backup) (string, error) {
	data, err := json.Marshal(backup.Data)
	if err != nil {
		return "", fmt.Errorf("encode backup data: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save stamps the checksum into backup and writes it. Returns the file name.
func (b *BackupStore) Save(backup *models.Backup) (string, error) {
	if backup == nil || backup.Data == nil {
		return "", &models.BackupError{Reason: "missing data"}
	}

	sum, err := Checksum(backup)
	if err != nil {
		return "", err
	}
	backup.Metadata.Checksum = sum

	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}

	name := backupPrefix + b.now().UTC().Format(backupLayout) + backupSuffix
	name, err = b.files.Write(name, data)
	if err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	b.logger.WithFields(map[string]interface{}{
		"name": name,
		"size": len(data),
	}).Info("Saved backup")
	return name, nil
}

// Load reads a backup and verifies its checksum when present.
func (b *BackupStore) Load(name string) (*models.Backup, error) {
	data, err := b.files.Read(name)
	if err != nil {
		return nil, err
	}

	var backup models.Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, &models.BackupError{Reason: fmt.Sprintf("%s: %v", name, err)}
	}

	if want := backup.Metadata.Checksum; want != "" {
		got, err := Checksum(&backup)
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
		}
	}
	return &backup, nil
}

// List returns stored backups, newest first.
func (b *BackupStore) List() ([]BackupInfo, error) {
	files, err := b.files.List(backupSuffix)
	if err != nil {
		return nil, err
	}

	var out []BackupInfo
	for _, f := range files {
		created, ok := parseBackupName(f.Name)
		if !ok {
			continue
		}
		out = append(out, BackupInfo{Name: f.Name, Size: f.Size, Created: created})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			// Rename suffixes mark later writes within the same second
			if len(out[i].Name) != len(out[j].Name) {
				return len(out[i].Name) > len(out[j].Name)
			}
			return out[i].Name > out[j].Name
		}
		return out[i].Created.After(out[j].Created)
	})
	return out, nil
}

// Latest loads the newest backup.
func (b *BackupStore) Latest() (*models.Backup, string, error) {
	list, err := b.List()
	if err != nil {
		return nil, "", err
	}
	if len(list) == 0 {
		return nil, "", ErrFileNotFound
	}
	backup, err := b.Load(list[0].Name)
	return backup, list[0].Name, err
}

// Prune keeps the newest keep backups and deletes the rest.
func (b *BackupStore) Prune(keep int) (int, error) {
	list, err := b.List()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}

	removed := 0
	for i := keep; i < len(list); i++ {
		if err := b.files.Delete(list[i].Name); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		b.logger.WithField("removed", removed).Debug("Pruned backups")
	}
	return removed, nil
}

// parseBackupName extracts the timestamp, tolerating rename suffixes.
func parseBackupName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	if len(stamp) < len(backupLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(backupLayout, stamp[:len(backupLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
