package cloudsync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/whsync/internal/broadcast"
	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/datamanager"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/services/cloudsync"
	"github.com/TheMichaelB/whsync/internal/state"
	"github.com/TheMichaelB/whsync/internal/transport"
	"github.com/TheMichaelB/whsync/test/testutil"
)

type mockData struct {
	mock.Mock
}

func (m *mockData) ExportAllData(ctx context.Context) (*models.Backup, error) {
	args := m.Called(ctx)
	backup, _ := args.Get(0).(*models.Backup)
	return backup, args.Error(1)
}

func (m *mockData) ImportAllData(ctx context.Context, backup *models.Backup) (*models.ImportResult, error) {
	args := m.Called(ctx, backup)
	result, _ := args.Get(0).(*models.ImportResult)
	return result, args.Error(1)
}

func httpClient() *transport.HTTPClient {
	return transport.NewHTTPClient(&config.APIConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, events.Discard())
}

func serverConfig(srv *testutil.BlobServer) config.CloudSyncConfig {
	return config.CloudSyncConfig{
		Enabled:  true,
		Provider: config.ProviderServer,
		Server: config.ServerConfig{
			UploadURL:   srv.URL + "/upload",
			DownloadURL: srv.URL + "/download",
		},
	}
}

type fixture struct {
	manager *cloudsync.Manager
	data    *datamanager.Manager
	store   *state.MemoryStore
	hub     *broadcast.Hub
}

func newFixture(t *testing.T, cfg config.CloudSyncConfig) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	dm := datamanager.New(store, events.Discard())
	hub := broadcast.NewHub(events.Discard())

	m, err := cloudsync.NewManager(cfg, store, dm, httpClient(), hub, events.Discard())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &fixture{manager: m, data: dm, store: store, hub: hub}
}

func TestUploadToServer(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	f := newFixture(t, serverConfig(srv))
	ctx := context.Background()

	require.NoError(t, f.data.SaveSection(models.EntityMaterials, models.RecordMap{
		"M1": {"code": "M1", "capacity": 10.0},
	}))
	require.NoError(t, f.manager.TrackChange("Edited M1", models.EntityMaterials))
	require.Len(t, f.manager.Unsynced(), 1)

	result, err := f.manager.Sync(ctx, models.DirectionUpload)
	require.NoError(t, err)
	assert.Equal(t, config.ProviderServer, result.Provider)
	assert.Equal(t, 1, result.Counts[models.EntityMaterials])

	require.Equal(t, 1, srv.Count(http.MethodPost))
	var sent models.Backup
	require.NoError(t, json.Unmarshal(srv.Stored(), &sent))
	require.NotNil(t, sent.Data)
	assert.Equal(t, 10.0, sent.Data.Materials["M1"]["capacity"])
	assert.Equal(t, f.manager.TabID(), sent.Metadata.TabID)

	status := f.manager.Status()
	assert.Equal(t, models.SyncStatusSuccess, status.LastSyncStatus)
	assert.Equal(t, models.DirectionUpload, status.LastDirection)
	assert.Zero(t, status.Unsynced)
	assert.False(t, status.Syncing)

	var ledger []models.UnsyncedChange
	require.NoError(t, state.Load(f.store, state.KeyCloudSyncUnsynced, &ledger))
	assert.Empty(t, ledger)
}

func TestServerAuthHeader(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	srv.AuthHeader, srv.AuthValue = "X-Api-Key", "secret"

	cfg := serverConfig(srv)
	cfg.Server.AuthHeader, cfg.Server.AuthValue = "X-Api-Key", "secret"
	f := newFixture(t, cfg)

	_, err := f.manager.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", srv.Requests()[0].Header.Get("X-Api-Key"))
}

func TestUploadFailureKeepsLedger(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		cfgValue string
		requests int
		sentinel error
	}{
		{"client error not retried", []int{http.StatusBadRequest}, "secret", 1, models.ErrClientRequestFailed},
		{"auth error not retried", nil, "wrong", 1, models.ErrAuthenticationFailed},
		{"server errors exhaust retries", []int{500, 502, 503}, "secret", 3, models.ErrRemoteServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewBlobServer(t)
			srv.AuthHeader, srv.AuthValue = "X-Api-Key", "secret"
			srv.FailWith(tt.statuses...)

			cfg := serverConfig(srv)
			cfg.Server.AuthHeader, cfg.Server.AuthValue = "X-Api-Key", tt.cfgValue
			f := newFixture(t, cfg)
			require.NoError(t, f.manager.TrackChange("Added M2", models.EntityMaterials))

			_, err := f.manager.Upload(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Len(t, srv.Requests(), tt.requests)

			status := f.manager.Status()
			assert.Equal(t, models.SyncStatusError, status.LastSyncStatus)
			assert.Equal(t, 1, status.Unsynced)
			require.Len(t, status.RecentErrors, 1)

			activity := f.manager.Activity()
			require.Len(t, activity, 1)
			assert.Equal(t, models.SyncStatusError, activity[0].Status)
		})
	}
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	srv.FailWith(http.StatusServiceUnavailable, http.StatusTooManyRequests)
	f := newFixture(t, serverConfig(srv))

	_, err := f.manager.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, srv.Count(http.MethodPost))
}

func TestDownloadImports(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	backup := models.NewBackup(testutil.SampleSnapshot(), time.Now())
	raw, err := json.Marshal(backup)
	require.NoError(t, err)
	srv.Store(raw)

	f := newFixture(t, serverConfig(srv))
	ctx := context.Background()

	result, err := f.manager.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AllEntityTypes(), result.Imported)

	snap, err := f.data.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.SampleSnapshot().Counts(), snap.Counts())
	assert.Equal(t, models.DirectionDownload, f.manager.Activity()[0].Direction)
}

func TestDownloadNothingStored(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	f := newFixture(t, serverConfig(srv))
	ctx := context.Background()
	require.NoError(t, f.data.SaveSection(models.EntityNotes, models.RecordMap{"n1": {"id": "n1"}}))

	_, err := f.manager.Download(ctx)
	assert.ErrorIs(t, err, models.ErrInvalidBackupFormat)

	snap, err := f.data.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Notes, "n1")
}

func TestDownloadRejectedImport(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	srv.Store([]byte(`{"version":"2.0","data":null}`))

	dm := &mockData{}
	dm.On("ImportAllData", mock.Anything, mock.AnythingOfType("*models.Backup")).
		Return(&models.ImportResult{Error: "invalid backup format: missing data"}, nil).Once()

	hub := broadcast.NewHub(events.Discard())
	m, err := cloudsync.NewManager(serverConfig(srv), state.NewMemoryStore(), dm, httpClient(), hub, events.Discard())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Download(context.Background())
	assert.ErrorIs(t, err, models.ErrInvalidBackupFormat)
	dm.AssertExpectations(t)
}

func TestSyncGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, config.CloudSyncConfig{Provider: config.ProviderServer})
		_, err := f.manager.Upload(ctx)
		assert.ErrorIs(t, err, models.ErrNotConfigured)
		assert.False(t, f.manager.Configured())
	})

	t.Run("enabled without urls", func(t *testing.T) {
		f := newFixture(t, config.CloudSyncConfig{Enabled: true, Provider: config.ProviderServer})
		_, err := f.manager.Upload(ctx)
		assert.ErrorIs(t, err, models.ErrNotConfigured)
	})

	t.Run("invalid direction", func(t *testing.T) {
		f := newFixture(t, config.CloudSyncConfig{})
		_, err := f.manager.Sync(ctx, "sideways")
		assert.ErrorIs(t, err, cloudsync.ErrInvalidDirection)
	})

	t.Run("in progress", func(t *testing.T) {
		srv := testutil.NewBlobServer(t)
		release := make(chan struct{})
		started := make(chan struct{})

		dm := &mockData{}
		dm.On("ExportAllData", mock.Anything).
			Run(func(mock.Arguments) {
				close(started)
				<-release
			}).
			Return(models.NewBackup(&models.Snapshot{}, time.Now()), nil).Once()

		m, err := cloudsync.NewManager(serverConfig(srv), state.NewMemoryStore(), dm, httpClient(),
			broadcast.NewHub(events.Discard()), events.Discard())
		require.NoError(t, err)
		defer m.Close()

		done := make(chan error, 1)
		go func() {
			_, err := m.Upload(ctx)
			done <- err
		}()

		<-started
		assert.True(t, m.Status().Syncing)
		_, err = m.Download(ctx)
		assert.ErrorIs(t, err, models.ErrSyncInProgress)

		close(release)
		require.NoError(t, <-done)
		dm.AssertExpectations(t)
	})
}

func TestSyncBroadcasts(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	f := newFixture(t, serverConfig(srv))

	observer := f.hub.Join(broadcast.ChannelCloudSync, "observer")
	defer observer.Close()
	got := make(chan broadcast.Message, 4)
	observer.Subscribe(func(m broadcast.Message) { got <- m })

	// A second tab sharing the store picks up the new status
	other, err := cloudsync.NewManager(config.CloudSyncConfig{}, f.store, f.data, httpClient(), f.hub, events.Discard())
	require.NoError(t, err)
	defer other.Close()

	_, err = f.manager.Upload(context.Background())
	require.NoError(t, err)

	var types []broadcast.MessageType
	for len(types) < 2 {
		select {
		case m := <-got:
			types = append(types, m.Type)
			if m.Type == broadcast.CloudSyncCompleted {
				var p broadcast.CloudSyncPayload
				require.NoError(t, m.Decode(&p))
				assert.Equal(t, models.SyncStatusSuccess, p.Status)
				assert.Equal(t, models.DirectionUpload, p.Direction)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("missing broadcast")
		}
	}
	assert.Equal(t, []broadcast.MessageType{broadcast.CloudSyncStarted, broadcast.CloudSyncCompleted}, types)

	require.Eventually(t, func() bool {
		return other.Status().LastSyncStatus == models.SyncStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigurePersists(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	f := newFixture(t, config.CloudSyncConfig{})

	err := f.manager.Configure(config.CloudSyncConfig{Enabled: true, Provider: config.ProviderGist})
	assert.ErrorIs(t, err, models.ErrNotConfigured)

	require.NoError(t, f.manager.Configure(serverConfig(srv)))
	assert.True(t, f.manager.Configured())

	// Saved configuration wins over the one passed in
	again, err := cloudsync.NewManager(config.CloudSyncConfig{}, f.store, f.data, httpClient(), f.hub, events.Discard())
	require.NoError(t, err)
	defer again.Close()
	assert.True(t, again.Configured())
	assert.Equal(t, srv.URL+"/upload", again.Config().Server.UploadURL)

	require.NoError(t, f.manager.ClearConfiguration())
	assert.False(t, f.manager.Configured())
	_, err = f.store.Get(state.KeyCloudSyncConfig)
	assert.ErrorIs(t, err, state.ErrStateNotFound)
}

func TestLedgerIsCapped(t *testing.T) {
	f := newFixture(t, config.CloudSyncConfig{})

	for i := 0; i < models.MaxUnsyncedChanges+5; i++ {
		require.NoError(t, f.manager.TrackChange("change", models.EntityNotes))
	}
	assert.Len(t, f.manager.Unsynced(), models.MaxUnsyncedChanges)
}

func TestUploadKeepsChangesTrackedDuringExport(t *testing.T) {
	srv := testutil.NewBlobServer(t)
	store := state.NewMemoryStore()
	dm := &mockData{}

	m, err := cloudsync.NewManager(serverConfig(srv), store, dm, httpClient(),
		broadcast.NewHub(events.Discard()), events.Discard())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.TrackChange("Edited M1", models.EntityMaterials))
	require.NoError(t, m.TrackChange("Edited M2", models.EntityMaterials))

	dm.On("ExportAllData", mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, m.TrackChange("Added note", models.EntityNotes))
		}).
		Return(models.NewBackup(&models.Snapshot{}, time.Now()), nil).Once()

	_, err = m.Upload(context.Background())
	require.NoError(t, err)
	dm.AssertExpectations(t)

	ledger := m.Unsynced()
	require.Len(t, ledger, 1)
	assert.Equal(t, "Added note", ledger[0].Description)
	assert.Equal(t, 1, m.Status().Unsynced)

	var stored []models.UnsyncedChange
	require.NoError(t, state.Load(store, state.KeyCloudSyncUnsynced, &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, models.EntityNotes, stored[0].DataType)

	// Nothing new since; the next upload clears the ledger
	dm.On("ExportAllData", mock.Anything).
		Return(models.NewBackup(&models.Snapshot{}, time.Now()), nil).Once()
	_, err = m.Upload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.Unsynced())
}
