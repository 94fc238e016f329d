package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cloud sync providers.
const (
	ProviderGist   = "gist"
	ProviderServer = "server"
)

// Conflict strategies accepted by background.strategy.
var validStrategies = map[string]bool{
	"manual": true, "local-wins": true, "remote-wins": true, "merge": true,
}

// Config holds all application configuration.
type Config struct {
	// HTTP client behaviour shared by every provider
	API APIConfig `json:"api" mapstructure:"api"`

	// GitHub Projects backend
	GitHub GitHubConfig `json:"github" mapstructure:"github"`

	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	Batch      BatchConfig      `json:"batch" mapstructure:"batch"`
	RateLimit  RateLimitConfig  `json:"rate_limit" mapstructure:"rate_limit"`
	Background BackgroundConfig `json:"background" mapstructure:"background"`

	// Gist / custom server backend
	CloudSync CloudSyncConfig `json:"cloud_sync" mapstructure:"cloud_sync"`

	// Cross-process broadcast relay
	Broadcast BroadcastConfig `json:"broadcast" mapstructure:"broadcast"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// APIConfig for outbound HTTP.
type APIConfig struct {
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent"`
}

// GitHubConfig identifies the project used as database.
type GitHubConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	Token         string `json:"token,omitempty" mapstructure:"token"`
	Owner         string `json:"owner" mapstructure:"owner"`
	ProjectNumber int    `json:"project_number" mapstructure:"project_number"`
	Endpoint      string `json:"endpoint" mapstructure:"endpoint"`
	APIVersion    string `json:"api_version" mapstructure:"api_version"`
}

// CacheConfig controls the per-entity snapshot cache.
type CacheConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
	ItemsTTL time.Duration `json:"items_ttl" mapstructure:"items_ttl"` // raw project item listing
}

// BatchConfig controls mutation coalescing.
type BatchConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	Debounce       time.Duration `json:"debounce" mapstructure:"debounce"`
	MaxSize        int           `json:"max_size" mapstructure:"max_size"`
	ImmediateTypes []string      `json:"immediate_types" mapstructure:"immediate_types"`
}

// RateLimitConfig describes the provider quota.
type RateLimitConfig struct {
	Quota  int           `json:"quota" mapstructure:"quota"`
	Window time.Duration `json:"window" mapstructure:"window"`
}

// BackgroundConfig for the periodic conflict-resolving sync.
type BackgroundConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Strategy string        `json:"strategy" mapstructure:"strategy"`
}

// CloudSyncConfig selects one blob provider.
type CloudSyncConfig struct {
	Enabled  bool         `json:"enabled" mapstructure:"enabled"`
	Provider string       `json:"provider" mapstructure:"provider"`
	Gist     GistConfig   `json:"gist" mapstructure:"gist"`
	Server   ServerConfig `json:"server" mapstructure:"server"`
}

// GistConfig for the Gist provider.
type GistConfig struct {
	Token       string `json:"token,omitempty" mapstructure:"token"`
	GistID      string `json:"gist_id" mapstructure:"gist_id"`
	Filename    string `json:"filename" mapstructure:"filename"`
	Description string `json:"description" mapstructure:"description"`
	Public      bool   `json:"public" mapstructure:"public"`
	APIBase     string `json:"api_base" mapstructure:"api_base"`
}

// ServerConfig for a user supplied upload/download endpoint pair.
type ServerConfig struct {
	UploadURL   string `json:"upload_url" mapstructure:"upload_url"`
	DownloadURL string `json:"download_url" mapstructure:"download_url"`
	AuthHeader  string `json:"auth_header,omitempty" mapstructure:"auth_header"`
	AuthValue   string `json:"auth_value,omitempty" mapstructure:"auth_value"`
}

// BroadcastConfig for relaying channel messages between processes.
type BroadcastConfig struct {
	RelayURL   string `json:"relay_url" mapstructure:"relay_url"`     // ws://host:port, empty = in-process only
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"` // used by `whsync relay`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir   string `json:"data_dir" mapstructure:"data_dir"`
	StateDir  string `json:"state_dir" mapstructure:"state_dir"`
	BackupDir string `json:"backup_dir" mapstructure:"backup_dir"`
	Backend   string `json:"backend" mapstructure:"backend"` // json, sqlite
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // Log file path (empty = stdout)
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // Max log file size in MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // Max number of old logs
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // Max age in days
	Color      bool   `json:"color" mapstructure:"color"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".whsync"

	return &Config{
		API: APIConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
			UserAgent:  "whsync/1.0",
		},
		GitHub: GitHubConfig{
			Endpoint:   "https://api.github.com/graphql",
			APIVersion: "2022-11-28",
		},
		Cache: CacheConfig{
			Enabled:  true,
			TTL:      5 * time.Minute,
			ItemsTTL: time.Minute,
		},
		Batch: BatchConfig{
			Enabled:        true,
			Debounce:       500 * time.Millisecond,
			MaxSize:        20,
			ImmediateTypes: []string{"createField"},
		},
		RateLimit: RateLimitConfig{
			Quota:  5000,
			Window: time.Hour,
		},
		Background: BackgroundConfig{
			Interval: 30 * time.Second,
			Strategy: "merge",
		},
		CloudSync: CloudSyncConfig{
			Provider: ProviderGist,
			Gist: GistConfig{
				Filename:    "warehouse-data.json",
				Description: "Warehouse capacity tracker backup",
				APIBase:     "https://api.github.com",
			},
		},
		Broadcast: BroadcastConfig{
			ListenAddr: "127.0.0.1:8765",
		},
		Storage: StorageConfig{
			DataDir:   dataDir,
			StateDir:  filepath.Join(dataDir, "state"),
			BackupDir: filepath.Join(dataDir, "backups"),
			Backend:   "json",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must not be negative")
	}

	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}

	if c.Batch.MaxSize <= 0 {
		return errors.New("batch.max_size must be positive")
	}

	if c.RateLimit.Quota <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.quota and rate_limit.window must be positive")
	}

	if c.Background.Interval <= 0 {
		return errors.New("background.interval must be positive")
	}

	if !validStrategies[c.Background.Strategy] {
		return fmt.Errorf("invalid conflict strategy: %s", c.Background.Strategy)
	}

	if c.GitHub.Enabled {
		if c.GitHub.Owner == "" || c.GitHub.ProjectNumber <= 0 {
			return errors.New("github.owner and github.project_number are required")
		}
	}

	if c.CloudSync.Provider != ProviderGist && c.CloudSync.Provider != ProviderServer {
		return fmt.Errorf("invalid cloud sync provider: %s", c.CloudSync.Provider)
	}

	switch c.Storage.Backend {
	case "json", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.StateDir,
		c.Storage.BackupDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
