package models

import (
	"fmt"
	"strings"
	"time"
)

// Ledger and log caps.
const (
	MaxUnsyncedChanges = 100
	MaxActivityEntries = 50
	MaxRecentErrors    = 10
)

// SyncStatus values for LastSyncStatus.
const (
	SyncStatusNever   = ""
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// Sync directions.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// UnsyncedChange describes a local edit not yet uploaded. Display only.
type UnsyncedChange struct {
	Description string     `json:"description"`
	DataType    EntityType `json:"dataType,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// ActivityEntry is one line of the sync activity log.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Duration  string    `json:"duration,omitempty"`
}

// SyncErrorEntry is one recent failure.
type SyncErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
}

// CloudSyncState tracks the generic cloud sync manager.
type CloudSyncState struct {
	LastSync       time.Time        `json:"last_sync"`
	LastSyncStatus string           `json:"last_sync_status"`
	LastDirection  string           `json:"last_direction,omitempty"`
	RecentErrors   []SyncErrorEntry `json:"recent_errors,omitempty"`
}

// NewCloudSyncState creates an empty state.
func NewCloudSyncState() *CloudSyncState {
	return &CloudSyncState{}
}

// RecordSuccess marks a completed sync.
func (s *CloudSyncState) RecordSuccess(direction string, at time.Time) {
	s.LastSync = at
	s.LastSyncStatus = SyncStatusSuccess
	s.LastDirection = direction
}

// RecordError marks a failed sync and keeps the newest errors.
func (s *CloudSyncState) RecordError(direction string, at time.Time, err error) {
	s.LastSync = at
	s.LastSyncStatus = SyncStatusError
	s.LastDirection = direction
	if err == nil {
		return
	}
	s.RecentErrors = PrependCapped(s.RecentErrors, SyncErrorEntry{
		Timestamp: at,
		Code:      CodeOf(err),
		Message:   err.Error(),
	}, MaxRecentErrors)
}

// ClearErrors drops the recent error list.
func (s *CloudSyncState) ClearErrors() {
	s.RecentErrors = nil
}

// HasError returns true if the last sync failed.
func (s *CloudSyncState) HasError() bool {
	return s.LastSyncStatus == SyncStatusError
}

// Validate validates the state structure.
func (s *CloudSyncState) Validate() error {
	switch s.LastSyncStatus {
	case SyncStatusNever, SyncStatusSuccess, SyncStatusError:
	default:
		return fmt.Errorf("unknown sync status: %s", s.LastSyncStatus)
	}

	if len(s.RecentErrors) > MaxRecentErrors {
		return fmt.Errorf("too many recent errors: %d", len(s.RecentErrors))
	}

	for i, e := range s.RecentErrors {
		if strings.TrimSpace(e.Message) == "" {
			return fmt.Errorf("recent error %d has no message", i)
		}
	}

	return nil
}

// Clone creates a deep copy of the state.
func (s *CloudSyncState) Clone() *CloudSyncState {
	clone := *s
	clone.RecentErrors = append([]SyncErrorEntry(nil), s.RecentErrors...)
	return &clone
}

// AppendCapped appends to an ordered ledger and drops the oldest entries.
func AppendCapped[T any](list []T, item T, max int) []T {
	list = append(list, item)
	if len(list) > max {
		list = append([]T(nil), list[len(list)-max:]...)
	}
	return list
}

// PrependCapped inserts newest-first and drops the oldest entries.
func PrependCapped[T any](list []T, item T, max int) []T {
	list = append([]T{item}, list...)
	if len(list) > max {
		list = list[:max]
	}
	return list
}
