// Package cache keeps per-entity snapshots with TTL validity.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/models"
)

// Entry is one cached section.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Cache holds one entry per entity type plus the raw item listing.
type Cache struct {
	mu       sync.RWMutex
	enabled  bool
	ttl      time.Duration
	itemsTTL time.Duration
	entries  map[models.EntityType]Entry
	items    *Entry
	now      func() time.Time
}

// New creates a cache.
func New(cfg config.CacheConfig) *Cache {
	itemsTTL := cfg.ItemsTTL
	if itemsTTL <= 0 {
		itemsTTL = cfg.TTL
	}
	return &Cache{
		enabled:  cfg.Enabled,
		ttl:      cfg.TTL,
		itemsTTL: itemsTTL,
		entries:  make(map[models.EntityType]Entry),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Enabled reports whether reads may be served from cache.
func (c *Cache) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// SetEnabled toggles caching. Disabling keeps entries for Peek.
func (c *Cache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// IsValid is true iff caching is enabled, t was fetched and the entry is
// younger than the TTL.
func (c *Cache) IsValid(t models.EntityType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[t]
	return c.valid(ok, e.FetchedAt, c.ttl)
}

// Get returns the entry data when valid.
func (c *Cache) Get(t models.EntityType) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[t]
	if !c.valid(ok, e.FetchedAt, c.ttl) {
		return nil, false
	}
	return e.Data, true
}

// Peek returns the entry regardless of TTL.
func (c *Cache) Peek(t models.EntityType) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[t]
	return e, ok
}

// Set stores data fetched now and returns the stamp used.
func (c *Cache) Set(t models.EntityType, data interface{}) (time.Time, error) {
	raw, err := encode(data)
	if err != nil {
		return time.Time{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[t] = Entry{Data: raw, FetchedAt: now}
	return now, nil
}

// Apply stores data received from another tab unless the current entry is
// fresher. Reports whether the entry was replaced.
func (c *Cache) Apply(t models.EntityType, data json.RawMessage, fetchedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[t]; ok && cur.FetchedAt.After(fetchedAt) {
		return false
	}
	c.entries[t] = Entry{Data: append(json.RawMessage(nil), data...), FetchedAt: fetchedAt}
	return true
}

// Clear drops one entity type.
func (c *Cache) Clear(t models.EntityType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, t)
}

// ClearAll drops every entity type and the item listing.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[models.EntityType]Entry)
	c.items = nil
}

// Items returns the raw item listing when valid.
func (c *Cache) Items() (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.items == nil || !c.valid(true, c.items.FetchedAt, c.itemsTTL) {
		return nil, false
	}
	return c.items.Data, true
}

// SetItems stores the raw item listing.
func (c *Cache) SetItems(data interface{}) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = &Entry{Data: raw, FetchedAt: c.now()}
	return nil
}

// ClearItems drops the item listing. Called after every successful write.
func (c *Cache) ClearItems() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// Stats lists fetch times of present entries.
func (c *Cache) Stats() map[models.EntityType]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.EntityType]time.Time, len(c.entries))
	for t, e := range c.entries {
		out[t] = e.FetchedAt
	}
	return out
}

func (c *Cache) valid(ok bool, fetchedAt time.Time, ttl time.Duration) bool {
	return c.enabled && ok && c.now().Sub(fetchedAt) < ttl
}

func encode(data interface{}) (json.RawMessage, error) {
	switch raw := data.(type) {
	case json.RawMessage:
		return append(json.RawMessage(nil), raw...), nil
	case []byte:
		return append(json.RawMessage(nil), raw...), nil
	}
	return json.Marshal(data)
}
