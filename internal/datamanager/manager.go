// Package datamanager exports, validates and imports the local warehouse
// sections kept in the state store.
package datamanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/state"
)

// ExportedBy marks backups written by this module.
const ExportedBy = "whsync"

// Manager reads and writes sections under data.<section> keys.
type Manager struct {
	store  state.Store
	logger *events.Logger
	now    func() time.Time
}

// New creates a data manager over store.
func New(store state.Store, logger *events.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.WithField("component", "data_manager"),
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Snapshot reads every stored section. Sections never written are absent.
func (m *Manager) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	for _, t := range models.AllEntityTypes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := m.store.Get(state.DataKey(string(t)))
		if errors.Is(err, state.ErrStateNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", t, err)
		}
		if err := snap.SetSection(t, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", state.ErrStateCorrupt, err)
		}
	}
	return snap, nil
}

// SaveSection stores one section. A nil value removes it.
func (m *Manager) SaveSection(t models.EntityType, value interface{}) error {
	if !t.IsValid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	key := state.DataKey(string(t))

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	if bytes.Equal(raw, []byte("null")) {
		return m.store.Delete(key)
	}
	return m.store.Put(key, raw)
}

// ExportAllData wraps every stored section in a backup document.
func (m *Manager) ExportAllData(ctx context.Context) (*models.Backup, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	backup := models.NewBackup(snap, m.now())
	backup.Metadata.ExportedBy = ExportedBy

	m.logger.WithField("counts", backup.Metadata.Counts).Debug("Exported data")
	return backup, nil
}

// ImportAllData applies every section present in backup. An invalid backup
// changes nothing. A failed write restores the previous sections.
func (m *Manager) ImportAllData(ctx context.Context, backup *models.Backup) (*models.ImportResult, error) {
	if err := checkBackup(backup); err != nil {
		m.logger.WithError(err).Warn("Rejected backup")
		return &models.ImportResult{Error: err.Error()}, nil
	}

	rollback, err := m.ExportAllData(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot before import: %w", err)
	}

	var imported []models.EntityType
	for _, t := range backup.Data.Present() {
		if err := m.SaveSection(t, backup.Data.Section(t)); err != nil {
			m.logger.WithError(err).WithField("type", t).Error("Import failed, rolling back")
			if rbErr := m.RollbackData(ctx, rollback, imported); rbErr != nil {
				return nil, errors.Join(err, rbErr)
			}
			return &models.ImportResult{Error: err.Error(), RollbackData: rollback}, nil
		}
		imported = append(imported, t)
	}

	m.logger.WithFields(map[string]interface{}{
		"version":  backup.Version,
		"sections": len(imported),
	}).Info("Imported data")

	return &models.ImportResult{
		Success:      true,
		Imported:     imported,
		RollbackData: rollback,
	}, nil
}

// RollbackData restores sections from a backup taken by ExportAllData.
// Sections listed in types but absent from the backup are removed; an
// empty types restores every section.
func (m *Manager) RollbackData(ctx context.Context, backup *models.Backup, types []models.EntityType) error {
	if backup == nil || backup.Data == nil {
		return &models.BackupError{Reason: "no rollback data"}
	}
	if len(types) == 0 {
		types = models.AllEntityTypes()
	}

	var errs []error
	for _, t := range types {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.SaveSection(t, backup.Data.Section(t)); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateBackup checks the structure of a raw backup document without
// importing it.
func (m *Manager) ValidateBackup(raw []byte) models.Validation {
	backup, err := ParseBackup(raw)
	if err != nil {
		return models.Validation{Error: err.Error()}
	}
	return models.Validation{
		Valid: true,
		Info: &models.ValidateInfo{
			Version:   backup.Version,
			Timestamp: backup.Timestamp,
			Counts:    backup.Data.Counts(),
		},
	}
}

// ParseBackup decodes and checks a raw backup document.
func ParseBackup(raw []byte) (*models.Backup, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &models.BackupError{Reason: "not a JSON object"}
	}
	if _, ok := probe["version"]; !ok {
		return nil, &models.BackupError{Reason: "missing version"}
	}
	data, ok := probe["data"]
	if !ok || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, &models.BackupError{Reason: "missing data"}
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, &models.BackupError{Reason: "data is not an object"}
	}

	backup := &models.Backup{Data: &models.Snapshot{}}
	if err := json.Unmarshal(probe["version"], &backup.Version); err != nil {
		return nil, &models.BackupError{Reason: "version is not a string"}
	}
	if ts, ok := probe["timestamp"]; ok {
		_ = json.Unmarshal(ts, &backup.Timestamp)
	}
	if meta, ok := probe["metadata"]; ok {
		_ = json.Unmarshal(meta, &backup.Metadata)
	}

	for _, t := range models.AllEntityTypes() {
		section, ok := sections[string(t)]
		if !ok || bytes.Equal(bytes.TrimSpace(section), []byte("null")) {
			continue
		}
		if err := backup.Data.SetSection(t, section); err != nil {
			return nil, &models.BackupError{Reason: err.Error()}
		}
	}

	return backup, checkBackup(backup)
}

func checkBackup(b *models.Backup) error {
	switch {
	case b == nil:
		return &models.BackupError{Reason: "empty backup"}
	case b.Version == "":
		return &models.BackupError{Reason: "missing version"}
	case b.Data == nil:
		return &models.BackupError{Reason: "missing data"}
	}
	return nil
}
