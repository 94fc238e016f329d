package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
)

var errFlaky = fmt.Errorf("%w: connection reset", models.ErrTransientNetwork)

func newRetryClient(maxRetries int, delay time.Duration) *HTTPClient {
	return &HTTPClient{
		maxRetries: maxRetries,
		retryDelay: delay,
		logger:     events.Discard(),
	}
}

func TestRetryWithBackoff(t *testing.T) {
	attempts := 0
	startTime := time.Now()
	client := newRetryClient(3, 100*time.Millisecond)

	err := client.retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errFlaky
		}
		return nil
	})

	duration := time.Since(startTime)

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// Delays: 0ms, 100ms, 200ms
	assert.GreaterOrEqual(t, duration, 300*time.Millisecond)
	assert.Less(t, duration, 600*time.Millisecond)
}

func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	attempts := 0
	client := newRetryClient(5, 100*time.Millisecond)

	err := client.retry(ctx, func() error {
		attempts++
		return errFlaky
	})

	assert.Equal(t, context.DeadlineExceeded, err)
	assert.LessOrEqual(t, attempts, 3)
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	client := newRetryClient(2, 10*time.Millisecond)

	err := client.retry(context.Background(), func() error {
		attempts++
		return models.NewAPIError(503, "")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.ErrorIs(t, err, models.ErrRemoteServer)
	assert.Equal(t, 3, attempts) // maxRetries + 1
}

func TestRetryStopsOnNonRetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", models.NewAPIError(401, "")},
		{"forbidden", models.NewAPIError(403, "")},
		{"not found", models.NewAPIError(404, "")},
		{"validation", models.NewAPIError(422, "")},
		{"malformed", models.NewMalformedDataError("test", []byte("<"), errors.New("bad"))},
		{"unclassified", errors.New("create request: bad url")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			client := newRetryClient(3, time.Millisecond)

			err := client.retry(context.Background(), func() error {
				attempts++
				return tt.err
			})

			assert.Equal(t, tt.err, err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestRetryRetriesRateLimitedAndServerErrors(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			attempts := 0
			client := newRetryClient(2, time.Millisecond)

			err := client.retry(context.Background(), func() error {
				attempts++
				if attempts == 1 {
					return models.NewAPIError(status, "")
				}
				return nil
			})

			assert.NoError(t, err)
			assert.Equal(t, 2, attempts)
		})
	}
}

func TestRetryCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	client := newRetryClient(3, 10*time.Millisecond)

	err := client.retry(ctx, func() error {
		attempts++
		return errFlaky
	})

	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryableStatusCode(t *testing.T) {
	client := newRetryClient(0, 0)

	tests := []struct {
		status   int
		expected bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{599, true},
		{600, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, client.isRetryable(tt.status))
		})
	}
}
