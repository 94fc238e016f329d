package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	envFile    string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "WHSYNC",
		envFile:    ".env",
		v:          viper.New(),
	}
}

// Load reads configuration from defaults, file, .env and environment.
func (l *Loader) Load() (*Config, error) {
	// .env is optional
	if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", l.envFile, err)
	}

	l.setDefaults(DefaultConfig())

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Compatibility with the usual GitHub token variable
	_ = l.v.BindEnv("github.token", l.envPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN")

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
	} else {
		l.v.SetConfigName("whsync")
		for _, dir := range l.defaultPaths() {
			l.v.AddConfigPath(dir)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	return l.decode()
}

// Path returns the config file in use, if any.
func (l *Loader) Path() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the reloaded configuration each time the file changes.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Dependent paths follow a relocated data dir unless set explicitly
	if !l.v.InConfig("storage.state_dir") && os.Getenv(l.envPrefix+"_STORAGE_STATE_DIR") == "" {
		cfg.Storage.StateDir = filepath.Join(cfg.Storage.DataDir, "state")
	}
	if !l.v.InConfig("storage.backup_dir") && os.Getenv(l.envPrefix+"_STORAGE_BACKUP_DIR") == "" {
		cfg.Storage.BackupDir = filepath.Join(cfg.Storage.DataDir, "backups")
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config directories.
func (l *Loader) defaultPaths() []string {
	paths := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "whsync"),
			filepath.Join(homeDir, ".whsync"),
		)
	}

	return paths
}

// setDefaults registers every leaf of cfg under its mapstructure key so
// environment overrides are visible to Unmarshal.
func (l *Loader) setDefaults(cfg *Config) {
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			key := t.Field(i).Tag.Get("mapstructure")
			if key == "" {
				continue
			}
			if prefix != "" {
				key = prefix + "." + key
			}
			field := v.Field(i)
			if field.Kind() == reflect.Struct {
				walk(key, field)
				continue
			}
			l.v.SetDefault(key, field.Interface())
		}
	}
	walk("", reflect.ValueOf(cfg).Elem())
}

// SaveExample writes an example config file. The format follows the
// file extension (yaml, json or toml).
func SaveExample(path string) error {
	l := NewLoader(path)
	l.setDefaults(DefaultConfig())

	if err := l.v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return os.Chmod(path, 0600)
}
