package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/whsync/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, "https://api.github.com/graphql", cfg.GitHub.Endpoint)
	assert.Equal(t, 5000, cfg.RateLimit.Quota)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.Positive(t, cfg.Background.Interval)
	assert.Contains(t, cfg.Batch.ImmediateTypes, "createField")
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "negative timeout",
			modify: func(c *config.Config) {
				c.API.Timeout = -1
			},
			wantErr: "api.timeout must be positive",
		},
		{
			name: "zero batch size",
			modify: func(c *config.Config) {
				c.Batch.MaxSize = 0
			},
			wantErr: "batch.max_size must be positive",
		},
		{
			name: "unknown strategy",
			modify: func(c *config.Config) {
				c.Background.Strategy = "newest"
			},
			wantErr: "invalid conflict strategy",
		},
		{
			name: "github enabled without project",
			modify: func(c *config.Config) {
				c.GitHub.Enabled = true
				c.GitHub.Owner = "acme"
			},
			wantErr: "github.owner and github.project_number are required",
		},
		{
			name: "unknown provider",
			modify: func(c *config.Config) {
				c.CloudSync.Provider = "dropbox"
			},
			wantErr: "invalid cloud sync provider",
		},
		{
			name: "unknown backend",
			modify: func(c *config.Config) {
				c.Storage.Backend = "redis"
			},
			wantErr: "invalid storage backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("WHSYNC_API_TIMEOUT", "45s")
	t.Setenv("WHSYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("WHSYNC_BATCH_MAX_SIZE", "7")
	t.Setenv("WHSYNC_STORAGE_DATA_DIR", "/tmp/whsync-data")
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	cfg, err := config.NewLoader("").Load()

	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.API.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Batch.MaxSize)
	assert.Equal(t, "ghp_test", cfg.GitHub.Token)
	assert.Equal(t, filepath.Join("/tmp/whsync-data", "state"), cfg.Storage.StateDir)
}

func TestLoaderFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.json")

	configJSON := `{
		"github": {
			"enabled": true,
			"owner": "acme",
			"project_number": 4
		},
		"cloud_sync": {
			"provider": "server",
			"server": {"upload_url": "http://localhost:9000/up"}
		},
		"background": {"interval": "1m", "strategy": "remote-wins"},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`

	err := os.WriteFile(configPath, []byte(configJSON), 0644)
	require.NoError(t, err)

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, configPath, loader.Path())
	assert.Equal(t, "acme", cfg.GitHub.Owner)
	assert.Equal(t, 4, cfg.GitHub.ProjectNumber)
	assert.Equal(t, config.ProviderServer, cfg.CloudSync.Provider)
	assert.Equal(t, "http://localhost:9000/up", cfg.CloudSync.Server.UploadURL)
	assert.Equal(t, time.Minute, cfg.Background.Interval)
	assert.Equal(t, "remote-wins", cfg.Background.Strategy)
	assert.Equal(t, "warn", cfg.Log.Level)
	// Untouched sections keep defaults
	assert.Equal(t, 5000, cfg.RateLimit.Quota)
}

func TestLoaderMissingExplicitFile(t *testing.T) {
	_, err := config.NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	assert.Error(t, err)
}

func TestSaveExampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whsync.yaml")
	require.NoError(t, config.SaveExample(path))

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Cache.TTL, cfg.Cache.TTL)
	assert.Equal(t, config.DefaultConfig().Batch.ImmediateTypes, cfg.Batch.ImmediateTypes)
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.StateDir = filepath.Join(tmpDir, "data", "state")
	cfg.Storage.BackupDir = filepath.Join(tmpDir, "data", "backups")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	err := cfg.EnsureDirectories()
	require.NoError(t, err)

	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, cfg.Storage.StateDir)
	assert.DirExists(t, cfg.Storage.BackupDir)
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
}
