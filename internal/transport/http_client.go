package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
)

// HTTPClient handles HTTP communication with remote providers.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	logger    *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		logger:     logger.WithField("component", "http_client"),
	}
}

// Do executes one request without retrying. Non-2xx statuses return
// *models.APIError, connection failures wrap ErrTransientNetwork.
func (c *HTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	c.logger.WithFields(map[string]interface{}{
		"method": r.Method,
		"url":    r.URL,
		"size":   len(r.Body),
	}).Debug("Sending request")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", models.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", models.ErrTransientNetwork, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, newStatusError(resp, respBody)
	}

	return out, nil
}

// SendJSON marshals payload, executes the request with retry and returns
// the raw JSON body. Empty and 204 responses are a nil result.
func (c *HTTPClient) SendJSON(ctx context.Context, r *Request, payload interface{}) (json.RawMessage, error) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		r.Body = data
	}

	var resp *Response
	err := c.retry(ctx, func() error {
		var err error
		resp, err = c.Do(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	body := bytes.TrimSpace(resp.Body)
	if resp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}

	if !json.Valid(body) {
		var probe interface{}
		parseErr := json.Unmarshal(body, &probe)
		return nil, models.NewMalformedDataError(r.URL, body, parseErr)
	}

	return json.RawMessage(body), nil
}

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

// isRetryableError reports whether err is a 5xx/429 status or a network failure.
func (c *HTTPClient) isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return c.isRetryable(apiErr.StatusCode)
	}

	return errors.Is(err, models.ErrTransientNetwork)
}

func newStatusError(resp *http.Response, body []byte) *models.APIError {
	apiErr := models.NewAPIError(resp.StatusCode, "")
	apiErr.RequestID = resp.Header.Get("X-GitHub-Request-Id")

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Payload = payload
		if msg, ok := payload["message"].(string); ok && msg != "" {
			apiErr.Message = msg
		}
	} else if len(body) > 0 {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		apiErr.Message = msg
	}

	return apiErr
}
