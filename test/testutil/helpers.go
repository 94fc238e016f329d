// Package testutil provides fakes and fixtures shared by package tests.
package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
)

// LogEntry represents a captured log entry for testing
type LogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"msg"`
	Time    time.Time              `json:"time"`
	Fields  map[string]interface{} `json:"-"`
}

// LogCapture collects JSON log lines written by a test logger.
type LogCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (c *LogCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// String returns everything written so far.
func (c *LogCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Entries parses the captured lines. Unparsable lines are skipped.
func (c *LogCapture) Entries() []LogEntry {
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.mu.Unlock()

	var entries []LogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		var fields map[string]interface{}
		_ = json.Unmarshal(scanner.Bytes(), &fields)
		entry.Fields = fields
		entries = append(entries, entry)
	}
	return entries
}

// NewTestLogger creates a debug JSON logger and the capture behind it.
func NewTestLogger() (*events.Logger, *LogCapture) {
	capture := &LogCapture{}
	return events.NewTestLogger(events.DebugLevel, "json", capture), capture
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Material builds a material record.
func Material(code string, capacity float64, updatedAt string) models.Record {
	rec := models.Record{"code": code, "capacity": capacity}
	if updatedAt != "" {
		rec[models.UpdatedAtField] = updatedAt
	}
	return rec
}

// SampleSnapshot returns a snapshot with every section present.
func SampleSnapshot() *models.Snapshot {
	return &models.Snapshot{
		Materials: models.RecordMap{
			"M1": Material("M1", 10, "2024-03-01T08:00:00.000Z"),
			"M2": Material("M2", 25, "2024-03-01T08:00:00.000Z"),
		},
		Archive: []models.Record{
			{"id": "r-1", "date": "2024-02-28", "total": 12.0},
		},
		Groups: models.RecordMap{
			"g1": {"id": "g1", "name": "Halle 1"},
		},
		Notes: models.RecordMap{
			"n1": {"id": "n1", "text": "Regal 4 gesperrt"},
		},
		AlertRules:          models.Record{"warnAt": 0.8, "criticalAt": 0.95},
		StorageTypeSettings: models.Record{"pallet": map[string]interface{}{"capacity": 30.0}},
	}
}
