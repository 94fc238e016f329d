package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/TheMichaelB/whsync/internal/models"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Handler answers every request; nil answers 200 with an empty object
	Handler func(r *Request) (*Response, error)

	// Error injection
	Err error

	// Request tracking
	Requests []Request
}

// NewMockTransport creates a mock transport.
func NewMockTransport(handler func(r *Request) (*Response, error)) *MockTransport {
	return &MockTransport{Handler: handler}
}

// JSONResponse builds a 200 response from v.
func JSONResponse(v interface{}) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: data}, nil
}

// Do records the request and answers through Handler.
func (m *MockTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	})
	handler := m.Handler
	injected := m.Err
	m.mu.Unlock()

	if injected != nil {
		return nil, injected
	}

	if handler == nil {
		return &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("{}")}, nil
	}

	resp, err := handler(r)
	if err != nil {
		return resp, err
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, models.NewAPIError(resp.StatusCode, string(resp.Body))
	}
	return resp, nil
}

// SendJSON mirrors HTTPClient.SendJSON without retrying.
func (m *MockTransport) SendJSON(ctx context.Context, r *Request, payload interface{}) (json.RawMessage, error) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		r.Body = data
	}

	resp, err := m.Do(ctx, r)
	if err != nil {
		return nil, err
	}

	body := bytes.TrimSpace(resp.Body)
	if resp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, models.NewMalformedDataError(r.URL, body, fmt.Errorf("invalid JSON"))
	}
	return json.RawMessage(body), nil
}

// Calls returns the number of recorded requests.
func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request.
func (m *MockTransport) LastRequest() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}

// Reset clears tracked requests.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = nil
}

var _ Transport = (*MockTransport)(nil)
