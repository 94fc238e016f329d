package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/whsync/internal/events"
)

const maxNameLength = 128

// LocalStore implements FileStore on a directory.
type LocalStore struct {
	baseDir          string
	conflictStrategy ConflictStrategy
	maxFileSize      int64
	logger           *events.Logger

	// Serializes conflict checks with the rename that follows
	mu sync.Mutex
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(baseDir string, logger *events.Logger) (*LocalStore, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &LocalStore{
		baseDir:          absPath,
		conflictStrategy: ConflictOverwrite,
		maxFileSize:      50 * 1024 * 1024,
		logger:           logger.WithField("component", "local_store"),
	}, nil
}

// SetConflictStrategy sets the conflict resolution strategy.
func (s *LocalStore) SetConflictStrategy(strategy ConflictStrategy) {
	s.mu.Lock()
	s.conflictStrategy = strategy
	s.mu.Unlock()
}

// SetMaxFileSize sets the maximum file size limit.
func (s *LocalStore) SetMaxFileSize(size int64) {
	s.mu.Lock()
	s.maxFileSize = size
	s.mu.Unlock()
}

// BaseDir returns the absolute base directory.
func (s *LocalStore) BaseDir() string {
	return s.baseDir
}

// Write saves data through a synced temp file and rename.
func (s *LocalStore) Write(name string, data []byte) (string, error) {
	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(len(data)) > s.maxFileSize {
		return "", fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, len(data), s.maxFileSize)
	}

	if _, err := os.Stat(path); err == nil {
		switch s.conflictStrategy {
		case ConflictError:
			return "", fmt.Errorf("%w: %s", ErrFileExists, name)
		case ConflictRename:
			path = s.freePath(path)
			name = filepath.Base(path)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"name": name,
		"size": len(data),
	}).Debug("Writing file")

	tmp, err := os.CreateTemp(s.baseDir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	return name, nil
}

// Read retrieves file contents. Symlinks are refused.
func (s *LocalStore) Read(name string) ([]byte, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	if stat, err := os.Lstat(path); err == nil && stat.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: symlink %s", ErrInvalidName, name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Delete removes a file.
func (s *LocalStore) Delete(name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}

	s.logger.WithField("name", name).Debug("Deleting file")

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Exists checks if a file exists.
func (s *LocalStore) Exists(name string) (bool, error) {
	path, err := s.resolve(name)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List returns regular files ending in suffix, sorted by name. Temp
// files are skipped.
func (s *LocalStore) List(suffix string) ([]FileInfo, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var files []FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// resolve validates a flat file name and joins it to the base directory.
func (s *LocalStore) resolve(name string) (string, error) {
	switch {
	case name == "" || name == "." || name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: contains null bytes", ErrInvalidName)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("%w: %q is hidden", ErrInvalidName, name)
	case len(name) > maxNameLength:
		return "", fmt.Errorf("%w: name too long: %d characters (max: %d)", ErrInvalidName, len(name), maxNameLength)
	}

	if err := validatePlatformName(name); err != nil {
		return "", err
	}

	full := filepath.Join(s.baseDir, name)
	if filepath.Dir(full) != s.baseDir {
		return "", fmt.Errorf("%w: %q escapes base directory", ErrInvalidName, name)
	}
	return full, nil
}

// validatePlatformName checks Windows reserved names and characters.
func validatePlatformName(name string) error {
	if runtime.GOOS != "windows" {
		return nil
	}

	base := strings.ToUpper(strings.TrimSuffix(name, filepath.Ext(name)))
	switch base {
	case "CON", "PRN", "AUX", "NUL",
		"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
		"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9":
		return fmt.Errorf("%w: reserved name %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `<>:"|?*`) {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}

// freePath returns path with the first numeric suffix not in use.
func (s *LocalStore) freePath(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		if i > 1000 {
			return fmt.Sprintf("%s-%d%s", stem, time.Now().UnixNano(), ext)
		}
	}
}

var _ FileStore = (*LocalStore)(nil)
