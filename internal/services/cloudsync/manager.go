// Package cloudsync uploads and downloads full backups through one blob
// provider: a GitHub Gist or a custom HTTP server.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/whsync/internal/broadcast"
	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/state"
	"github.com/TheMichaelB/whsync/internal/transport"
)

// ErrInvalidDirection is returned for directions other than upload and download.
var ErrInvalidDirection = errors.New("invalid sync direction")

// Manager orchestrates syncs for one tab.
type Manager struct {
	store    state.Store
	data     DataManager
	sender   transport.JSONSender
	endpoint *broadcast.Endpoint
	logger   *events.Logger
	now      func() time.Time

	mu       sync.Mutex
	cfg      config.CloudSyncConfig
	provider Provider
	status   *models.CloudSyncState
	unsynced []models.UnsyncedChange
	activity []models.ActivityEntry
	syncing  bool

	// tracked counts every change ever appended; exported is its value when
	// the running upload took its export.
	tracked  int
	exported int
}

// Result describes one completed sync.
type Result struct {
	Direction string                    `json:"direction"`
	Provider  string                    `json:"provider"`
	Duration  time.Duration             `json:"duration"`
	Counts    map[models.EntityType]int `json:"counts,omitempty"`
	Imported  []models.EntityType       `json:"imported,omitempty"`
}

// Status is a point-in-time view for display.
type Status struct {
	TabID          string                  `json:"tab_id"`
	Enabled        bool                    `json:"enabled"`
	Provider       string                  `json:"provider"`
	Configured     bool                    `json:"configured"`
	Syncing        bool                    `json:"syncing"`
	LastSync       time.Time               `json:"last_sync,omitempty"`
	LastSyncStatus string                  `json:"last_sync_status"`
	LastDirection  string                  `json:"last_direction,omitempty"`
	RecentErrors   []models.SyncErrorEntry `json:"recent_errors,omitempty"`
	Unsynced       int                     `json:"unsynced"`
}

// NewManager creates a manager. A configuration saved by Configure takes
// precedence over cfg.
func NewManager(
	cfg config.CloudSyncConfig,
	store state.Store,
	data DataManager,
	sender transport.JSONSender,
	hub *broadcast.Hub,
	logger *events.Logger,
) (*Manager, error) {
	m := &Manager{
		store:    store,
		data:     data,
		sender:   sender,
		endpoint: hub.Join(broadcast.ChannelCloudSync, ""),
		now:      time.Now,
		cfg:      cfg,
		status:   models.NewCloudSyncState(),
	}
	m.logger = logger.WithFields(map[string]interface{}{
		"component": "cloud_sync",
		"tab_id":    m.endpoint.TabID(),
	})

	var saved config.CloudSyncConfig
	switch err := state.Load(store, state.KeyCloudSyncConfig, &saved); {
	case err == nil:
		m.cfg = saved
	case !errors.Is(err, state.ErrStateNotFound):
		m.endpoint.Close()
		return nil, fmt.Errorf("load cloud sync config: %w", err)
	}

	if err := m.reload(); err != nil {
		m.endpoint.Close()
		return nil, err
	}
	m.provider = m.buildProvider(m.cfg)

	m.endpoint.Subscribe(m.handle)
	return m, nil
}

// reload reads status, ledger and activity log from the store.
func (m *Manager) reload() error {
	status := models.NewCloudSyncState()
	var unsynced []models.UnsyncedChange
	var activity []models.ActivityEntry

	for key, v := range map[string]interface{}{
		state.KeyCloudSyncStatus:   status,
		state.KeyCloudSyncUnsynced: &unsynced,
		state.KeyCloudSyncActivity: &activity,
	} {
		if err := state.Load(m.store, key, v); err != nil && !errors.Is(err, state.ErrStateNotFound) {
			return fmt.Errorf("load %s: %w", key, err)
		}
	}

	if err := status.Validate(); err != nil {
		m.logger.WithError(err).Warn("Discarding invalid sync status")
		status = models.NewCloudSyncState()
	}

	m.mu.Lock()
	m.status = status
	m.unsynced = unsynced
	m.activity = activity
	m.mu.Unlock()
	return nil
}

func (m *Manager) buildProvider(cfg config.CloudSyncConfig) Provider {
	if !cfg.Enabled {
		return nil
	}
	p, err := NewProvider(cfg, m.sender, m.logger)
	if err != nil {
		m.logger.WithError(err).Warn("Cloud sync provider unavailable")
		return nil
	}
	return p
}

// TabID identifies this manager on the broadcast channel.
func (m *Manager) TabID() string {
	return m.endpoint.TabID()
}

// Subscribe registers h for messages from other tabs.
func (m *Manager) Subscribe(h broadcast.Handler) {
	m.endpoint.Subscribe(h)
}

// Config returns the active configuration.
func (m *Manager) Config() config.CloudSyncConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Configured reports whether a sync could be dispatched.
func (m *Manager) Configured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled && m.provider != nil
}

// Configure validates and persists cfg.
func (m *Manager) Configure(cfg config.CloudSyncConfig) error {
	var provider Provider
	if cfg.Enabled {
		p, err := NewProvider(cfg, m.sender, m.logger)
		if err != nil {
			return err
		}
		provider = p
	}

	if err := state.Save(m.store, state.KeyCloudSyncConfig, cfg); err != nil {
		return fmt.Errorf("save cloud sync config: %w", err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.provider = provider
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"enabled":  cfg.Enabled,
		"provider": cfg.Provider,
	}).Info("Cloud sync configured")
	return nil
}

// ClearConfiguration forgets the provider configuration and sync status.
func (m *Manager) ClearConfiguration() error {
	for _, key := range []string{state.KeyCloudSyncConfig, state.KeyCloudSyncStatus} {
		if err := m.store.Delete(key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}

	m.mu.Lock()
	m.cfg = config.CloudSyncConfig{}
	m.provider = nil
	m.status = models.NewCloudSyncState()
	m.mu.Unlock()

	m.logger.Info("Cloud sync configuration cleared")
	return nil
}

// TrackChange appends a local edit to the unsynced ledger.
func (m *Manager) TrackChange(description string, t models.EntityType) error {
	m.mu.Lock()
	m.unsynced = models.AppendCapped(m.unsynced, models.UnsyncedChange{
		Description: description,
		DataType:    t,
		Timestamp:   m.now().UTC(),
	}, models.MaxUnsyncedChanges)
	m.tracked++
	ledger := append([]models.UnsyncedChange(nil), m.unsynced...)
	m.mu.Unlock()

	return state.Save(m.store, state.KeyCloudSyncUnsynced, ledger)
}

// Unsynced returns the ledger, oldest first.
func (m *Manager) Unsynced() []models.UnsyncedChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.UnsyncedChange(nil), m.unsynced...)
}

// Activity returns the activity log, newest first.
func (m *Manager) Activity() []models.ActivityEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ActivityEntry(nil), m.activity...)
}

// Status reports configuration and the outcome of the last sync.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		TabID:          m.endpoint.TabID(),
		Enabled:        m.cfg.Enabled,
		Provider:       m.cfg.Provider,
		Configured:     m.cfg.Enabled && m.provider != nil,
		Syncing:        m.syncing,
		LastSync:       m.status.LastSync,
		LastSyncStatus: m.status.LastSyncStatus,
		LastDirection:  m.status.LastDirection,
		RecentErrors:   append([]models.SyncErrorEntry(nil), m.status.RecentErrors...),
		Unsynced:       len(m.unsynced),
	}
}

// Upload exports local data and stores it remotely.
func (m *Manager) Upload(ctx context.Context) (*Result, error) {
	return m.Sync(ctx, models.DirectionUpload)
}

// Download fetches the remote backup and imports it.
func (m *Manager) Download(ctx context.Context) (*Result, error) {
	return m.Sync(ctx, models.DirectionDownload)
}

// Sync runs one transfer in direction. It fails fast when a sync is
// running or no provider is configured.
func (m *Manager) Sync(ctx context.Context, direction string) (*Result, error) {
	if direction != models.DirectionUpload && direction != models.DirectionDownload {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	if !m.cfg.Enabled || m.provider == nil {
		m.mu.Unlock()
		return nil, models.ErrNotConfigured
	}
	m.syncing = true
	provider := m.provider
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	logger := m.logger.WithFields(map[string]interface{}{
		"direction": direction,
		"provider":  provider.Name(),
	})
	logger.Info("Starting cloud sync")
	m.publish(broadcast.CloudSyncStarted, broadcast.CloudSyncPayload{
		Direction: direction,
		Provider:  provider.Name(),
	})

	start := m.now()
	result := &Result{Direction: direction, Provider: provider.Name()}

	var err error
	if direction == models.DirectionUpload {
		err = m.upload(ctx, provider, result)
	} else {
		err = m.download(ctx, provider, result)
	}
	result.Duration = m.now().Sub(start)

	if err != nil {
		err = &models.SyncError{
			Code:     models.CodeOf(err),
			Phase:    direction,
			Provider: provider.Name(),
			Err:      err,
		}
		logger.WithError(err).Error("Cloud sync failed")
		m.finish(direction, provider.Name(), result.Duration, err)
		return nil, err
	}

	logger.WithField("duration", result.Duration.String()).Info("Cloud sync complete")
	m.finish(direction, provider.Name(), result.Duration, nil)
	return result, nil
}

func (m *Manager) upload(ctx context.Context, provider Provider, result *Result) error {
	m.mu.Lock()
	m.exported = m.tracked
	m.mu.Unlock()

	backup, err := m.data.ExportAllData(ctx)
	if err != nil {
		return fmt.Errorf("export data: %w", err)
	}
	backup.Metadata.TabID = m.TabID()

	if err := provider.Upload(ctx, backup); err != nil {
		return err
	}
	if backup.Data != nil {
		result.Counts = backup.Data.Counts()
	}

	if gp, ok := provider.(*GistProvider); ok {
		m.rememberGist(gp.GistID())
	}
	return nil
}

func (m *Manager) download(ctx context.Context, provider Provider, result *Result) error {
	backup, err := provider.Download(ctx)
	if err != nil {
		return err
	}

	imported, err := m.data.ImportAllData(ctx, backup)
	if err != nil {
		return fmt.Errorf("import data: %w", err)
	}
	if !imported.Success {
		return &models.BackupError{Reason: imported.Error}
	}

	result.Imported = imported.Imported
	if backup.Data != nil {
		result.Counts = backup.Data.Counts()
	}
	return nil
}

// rememberGist persists a gist id assigned on first upload.
func (m *Manager) rememberGist(id string) {
	m.mu.Lock()
	if id == "" || m.cfg.Gist.GistID == id {
		m.mu.Unlock()
		return
	}
	m.cfg.Gist.GistID = id
	cfg := m.cfg
	m.mu.Unlock()

	if err := state.Save(m.store, state.KeyCloudSyncConfig, cfg); err != nil {
		m.logger.WithError(err).Warn("Failed to persist gist id")
	}
}

// finish records the outcome, persists state and notifies other tabs. A
// failed upload keeps the ledger; a successful one drops only the changes
// tracked before its export.
func (m *Manager) finish(direction, provider string, took time.Duration, syncErr error) {
	now := m.now().UTC()
	entry := models.ActivityEntry{
		Timestamp: now,
		Direction: direction,
		Provider:  provider,
		Status:    models.SyncStatusSuccess,
		Duration:  took.Round(time.Millisecond).String(),
	}

	m.mu.Lock()
	if syncErr != nil {
		m.status.RecordError(direction, now, syncErr)
		entry.Status = models.SyncStatusError
		entry.Message = syncErr.Error()
	} else {
		m.status.RecordSuccess(direction, now)
		if direction == models.DirectionUpload {
			m.unsynced = m.trackedSinceExport()
		}
	}
	m.activity = models.PrependCapped(m.activity, entry, models.MaxActivityEntries)

	status := m.status.Clone()
	activity := append([]models.ActivityEntry(nil), m.activity...)
	ledger := append([]models.UnsyncedChange{}, m.unsynced...)
	m.mu.Unlock()

	for key, v := range map[string]interface{}{
		state.KeyCloudSyncStatus:   status,
		state.KeyCloudSyncActivity: activity,
		state.KeyCloudSyncUnsynced: ledger,
	} {
		if err := state.Save(m.store, key, v); err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Failed to persist sync state")
		}
	}

	payload := broadcast.CloudSyncPayload{
		Direction: direction,
		Provider:  provider,
		Status:    entry.Status,
	}
	if syncErr != nil {
		payload.Error = syncErr.Error()
	}
	m.publish(broadcast.CloudSyncCompleted, payload)
}

func (m *Manager) trackedSinceExport() []models.UnsyncedChange {
	pending := m.tracked - m.exported
	if pending <= 0 {
		return nil
	}
	if pending >= len(m.unsynced) {
		return m.unsynced
	}
	return append([]models.UnsyncedChange(nil), m.unsynced[len(m.unsynced)-pending:]...)
}

// Close leaves the channel.
func (m *Manager) Close() {
	m.endpoint.Close()
}

func (m *Manager) publish(typ broadcast.MessageType, data interface{}) {
	if err := m.endpoint.Publish(typ, data); err != nil {
		m.logger.WithError(err).WithField("type", typ).Warn("Broadcast failed")
	}
}

// handle picks up state written by another tab sharing the store.
func (m *Manager) handle(msg broadcast.Message) {
	if msg.Type != broadcast.CloudSyncCompleted {
		return
	}
	if err := m.reload(); err != nil {
		m.logger.WithError(err).Warn("Failed to reload sync state")
		return
	}
	m.logger.WithField("from", msg.TabID).Debug("Reloaded sync state from another tab")
}
