package transport

import (
	"context"
	"encoding/json"
	"net/http"
)

// Request is one outbound HTTP call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest creates a request with an empty header set.
func NewRequest(method, url string) *Request {
	return &Request{Method: method, URL: url, Header: http.Header{}}
}

// WithBearer sets the Authorization header.
func (r *Request) WithBearer(token string) *Request {
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

// WithHeader sets one header when both name and value are present.
func (r *Request) WithHeader(name, value string) *Request {
	if name != "" && value != "" {
		r.Header.Set(name, value)
	}
	return r
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer executes single requests.
type Doer interface {
	Do(ctx context.Context, r *Request) (*Response, error)
}

// JSONSender executes JSON requests with retry.
type JSONSender interface {
	SendJSON(ctx context.Context, r *Request, payload interface{}) (json.RawMessage, error)
}

// Transport is what the providers need from the network.
type Transport interface {
	Doer
	JSONSender
}

var _ Transport = (*HTTPClient)(nil)
