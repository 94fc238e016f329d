package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// BackupVersion is written into every export.
const BackupVersion = "2.0"

// Snapshot holds every synchronized section. A nil section is absent and
// encodes as null; an empty one is present.
type Snapshot struct {
	Materials           RecordMap `json:"materials"`
	Archive             []Record  `json:"archive"`
	Groups              RecordMap `json:"groups"`
	Notes               RecordMap `json:"notes"`
	AlertRules          Record    `json:"alertRules"`
	StorageTypeSettings Record    `json:"storageTypeSettings"`
}

// Has reports whether the section is present.
func (s *Snapshot) Has(t EntityType) bool {
	switch t {
	case EntityMaterials:
		return s.Materials != nil
	case EntityArchive:
		return s.Archive != nil
	case EntityGroups:
		return s.Groups != nil
	case EntityNotes:
		return s.Notes != nil
	case EntityAlertRules:
		return s.AlertRules != nil
	case EntityStorageTypeSettings:
		return s.StorageTypeSettings != nil
	}
	return false
}

// Map returns a map-shaped section.
func (s *Snapshot) Map(t EntityType) RecordMap {
	switch t {
	case EntityMaterials:
		return s.Materials
	case EntityGroups:
		return s.Groups
	case EntityNotes:
		return s.Notes
	}
	return nil
}

// SetMap replaces a map-shaped section.
func (s *Snapshot) SetMap(t EntityType, m RecordMap) {
	switch t {
	case EntityMaterials:
		s.Materials = m
	case EntityGroups:
		s.Groups = m
	case EntityNotes:
		s.Notes = m
	}
}

// Singleton returns a singleton section.
func (s *Snapshot) Singleton(t EntityType) Record {
	switch t {
	case EntityAlertRules:
		return s.AlertRules
	case EntityStorageTypeSettings:
		return s.StorageTypeSettings
	}
	return nil
}

// SetSingleton replaces a singleton section.
func (s *Snapshot) SetSingleton(t EntityType, r Record) {
	switch t {
	case EntityAlertRules:
		s.AlertRules = r
	case EntityStorageTypeSettings:
		s.StorageTypeSettings = r
	}
}

// Section returns the section as its JSON-ready value, nil when absent.
func (s *Snapshot) Section(t EntityType) any {
	if !s.Has(t) {
		return nil
	}
	switch {
	case t.IsList():
		return s.Archive
	case t.IsSingleton():
		return s.Singleton(t)
	default:
		return s.Map(t)
	}
}

// SetSection decodes raw JSON into the named section.
func (s *Snapshot) SetSection(t EntityType, raw json.RawMessage) error {
	if isNull(raw) {
		return s.clearSection(t)
	}
	switch {
	case t.IsList():
		var list []Record
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("decode %s: %w", t, err)
		}
		if list == nil {
			list = []Record{}
		}
		s.Archive = list
	case t.IsSingleton():
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", t, err)
		}
		s.SetSingleton(t, rec)
	case t.IsValid():
		var m RecordMap
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode %s: %w", t, err)
		}
		if m == nil {
			m = RecordMap{}
		}
		s.SetMap(t, m.Normalize())
	default:
		return fmt.Errorf("unknown entity type %q", t)
	}
	return nil
}

// clearSection marks t absent; a null section is how absence is encoded.
func (s *Snapshot) clearSection(t EntityType) error {
	switch {
	case t.IsList():
		s.Archive = nil
	case t.IsSingleton():
		s.SetSingleton(t, nil)
	case t.IsValid():
		s.SetMap(t, nil)
	default:
		return fmt.Errorf("unknown entity type %q", t)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// Present lists the sections that are set.
func (s *Snapshot) Present() []EntityType {
	var out []EntityType
	for _, t := range AllEntityTypes() {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Counts returns the number of records per present section.
func (s *Snapshot) Counts() map[EntityType]int {
	counts := make(map[EntityType]int)
	for _, t := range s.Present() {
		switch {
		case t.IsList():
			counts[t] = len(s.Archive)
		case t.IsSingleton():
			counts[t] = 1
		default:
			counts[t] = len(s.Map(t))
		}
	}
	return counts
}

// BackupMetadata describes an export.
type BackupMetadata struct {
	ExportedBy string                 `json:"exportedBy,omitempty"`
	TabID      string                 `json:"tabId,omitempty"`
	Counts     map[EntityType]int     `json:"counts,omitempty"`
	Checksum   string                 `json:"checksum,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Backup is the full export format exchanged with blob providers.
type Backup struct {
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Metadata  BackupMetadata `json:"metadata"`
	Data      *Snapshot      `json:"data"`
}

// NewBackup wraps a snapshot with version and timestamp.
func NewBackup(data *Snapshot, now time.Time) *Backup {
	return &Backup{
		Version:   BackupVersion,
		Timestamp: now.UTC().Format(timestampLayout),
		Metadata: BackupMetadata{
			Counts: data.Counts(),
		},
		Data: data,
	}
}

// ImportResult reports the outcome of an import.
type ImportResult struct {
	Success      bool         `json:"success"`
	Imported     []EntityType `json:"imported,omitempty"`
	RollbackData *Backup      `json:"rollbackData,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Validation is the structural check result of a backup.
type Validation struct {
	Valid bool          `json:"valid"`
	Error string        `json:"error,omitempty"`
	Info  *ValidateInfo `json:"info,omitempty"`
}

// ValidateInfo summarizes a valid backup.
type ValidateInfo struct {
	Version   string             `json:"version"`
	Timestamp string             `json:"timestamp"`
	Counts    map[EntityType]int `json:"counts"`
}
