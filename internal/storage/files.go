// Package storage keeps exported backups as files under one base directory.
package storage

import (
	"errors"
	"time"
)

// FileStore is a flat set of named files.
type FileStore interface {
	// Write saves data under name atomically and returns the name used,
	// which differs from name when the conflict strategy renames.
	Write(name string, data []byte) (string, error)

	// Read retrieves file contents.
	Read(name string) ([]byte, error)

	// Delete removes a file. Missing files are not an error.
	Delete(name string) error

	// Exists checks if a file exists.
	Exists(name string) (bool, error)

	// List returns the files whose name ends with suffix.
	List(suffix string) ([]FileInfo, error)
}

// FileInfo contains file metadata.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// ConflictStrategy defines how Write treats an existing file.
type ConflictStrategy int

const (
	// ConflictOverwrite replaces existing files.
	ConflictOverwrite ConflictStrategy = iota

	// ConflictRename writes to a new name with a numeric suffix.
	ConflictRename

	// ConflictError fails with ErrFileExists.
	ConflictError
)

// Errors
var (
	ErrFileNotFound = errors.New("file not found")
	ErrFileExists   = errors.New("file already exists")
	ErrInvalidName  = errors.New("invalid file name")
	ErrFileTooLarge = errors.New("file too large")
)
