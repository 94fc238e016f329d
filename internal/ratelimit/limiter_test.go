package ratelimit_test

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/ratelimit"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(quota int, window time.Duration) (*ratelimit.Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := ratelimit.New(config.RateLimitConfig{Quota: quota, Window: window}).WithClock(clock.Now)
	return l, clock
}

func TestLimiterBoundary(t *testing.T) {
	l, clock := newLimiter(5, time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(), "call %d", i+1)
		clock.Advance(time.Second)
	}

	err := l.Check()
	assert.ErrorIs(t, err, models.ErrRateLimitExceeded)
	assert.Equal(t, 0, l.Status().Remaining)
}

func TestLimiterWindowSlides(t *testing.T) {
	l, clock := newLimiter(2, time.Minute)

	require.NoError(t, l.Check())
	clock.Advance(30 * time.Second)
	require.NoError(t, l.Check())
	assert.Error(t, l.Check())

	// First request leaves the window
	clock.Advance(31 * time.Second)
	assert.NoError(t, l.Check())
	assert.Error(t, l.Check())
}

func TestLimiterProviderHeaders(t *testing.T) {
	l, clock := newLimiter(100, time.Hour)

	h := http.Header{}
	h.Set(ratelimit.HeaderRemaining, "0")
	h.Set(ratelimit.HeaderReset, strconv.FormatInt(clock.Now().Add(10*time.Minute).Unix(), 10))
	l.Update(h)

	assert.ErrorIs(t, l.Check(), models.ErrRateLimitExceeded)

	clock.Advance(11 * time.Minute)
	assert.NoError(t, l.Check())
}

func TestLimiterIgnoresMissingHeaders(t *testing.T) {
	l, _ := newLimiter(1, time.Hour)

	l.Update(http.Header{})
	h := http.Header{}
	h.Set(ratelimit.HeaderRemaining, "many")
	l.Update(h)

	assert.Equal(t, -1, l.Status().ProviderRemain)
	assert.NoError(t, l.Check())
}

func TestLimiterReset(t *testing.T) {
	l, _ := newLimiter(1, time.Hour)
	require.NoError(t, l.Check())
	require.Error(t, l.Check())

	l.Reset()
	assert.NoError(t, l.Check())
}
