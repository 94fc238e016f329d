package events

import (
	"context"
	"io"
	"os"
	"sync"
)

type contextKey int

const (
	loggerKey contextKey = iota
	syncIDKey
	tabIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithSyncID tags one sync cycle.
func WithSyncID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("sync_id", id)
	ctx = context.WithValue(ctx, syncIDKey, id)
	return WithLogger(ctx, logger)
}

// WithTabID tags the manager instance that issued the work.
func WithTabID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("tab_id", id)
	ctx = context.WithValue(ctx, tabIDKey, id)
	return WithLogger(ctx, logger)
}

// GetSyncID retrieves the sync ID from context.
func GetSyncID(ctx context.Context) string {
	if id, ok := ctx.Value(syncIDKey).(string); ok {
		return id
	}
	return ""
}

// GetTabID retrieves the tab ID from context.
func GetTabID(ctx context.Context) string {
	if id, ok := ctx.Value(tabIDKey).(string); ok {
		return id
	}
	return ""
}

var defaultLogger = &Logger{
	mu:     &sync.Mutex{},
	level:  InfoLevel,
	format: "text",
	output: io.Writer(os.Stderr),
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	if logger != nil {
		defaultLogger = logger
	}
}
