// Package ratelimit tracks a sliding request window against a provider quota.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/models"
)

// Provider header names.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderLimit     = "X-RateLimit-Limit"
)

// Limiter gates outbound calls. Requests beyond the quota fail locally.
type Limiter struct {
	mu       sync.Mutex
	quota    int
	window   time.Duration
	requests []time.Time
	now      func() time.Time

	// From provider headers; remaining < 0 means unknown
	remaining int
	resetAt   time.Time
}

// Status is a point-in-time view for display.
type Status struct {
	Quota          int       `json:"quota"`
	Used           int       `json:"used"`
	Remaining      int       `json:"remaining"`
	ProviderRemain int       `json:"provider_remaining"`
	ResetAt        time.Time `json:"reset_at,omitempty"`
}

// New creates a limiter.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		quota:     cfg.Quota,
		window:    cfg.Window,
		now:       time.Now,
		remaining: -1,
	}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check records one request or fails with ErrRateLimitExceeded.
func (l *Limiter) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.requests) >= l.quota {
		oldest := l.requests[0]
		return fmt.Errorf("%w: %d requests in %s, next slot in %s",
			models.ErrRateLimitExceeded, len(l.requests), l.window, oldest.Add(l.window).Sub(now).Round(time.Second))
	}

	if l.remaining == 0 && now.Before(l.resetAt) {
		return fmt.Errorf("%w: provider quota exhausted until %s",
			models.ErrRateLimitExceeded, l.resetAt.Format(time.RFC3339))
	}

	l.requests = append(l.requests, now)
	if l.remaining > 0 {
		l.remaining--
	}
	return nil
}

// Update refines the provider view from response headers.
func (l *Limiter) Update(h http.Header) {
	remaining := h.Get(HeaderRemaining)
	if remaining == "" {
		return
	}

	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.remaining = n
	if reset, err := strconv.ParseInt(h.Get(HeaderReset), 10, 64); err == nil {
		l.resetAt = time.Unix(reset, 0)
	}
}

// Status reports current usage.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	return Status{
		Quota:          l.quota,
		Used:           len(l.requests),
		Remaining:      l.quota - len(l.requests),
		ProviderRemain: l.remaining,
		ResetAt:        l.resetAt,
	}
}

// Reset forgets the window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = nil
	l.remaining = -1
	l.resetAt = time.Time{}
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}
