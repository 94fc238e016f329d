package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/transport"
)

func newClient(maxRetries int) *transport.HTTPClient {
	return transport.NewHTTPClient(&config.APIConfig{
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
		RetryDelay: 10 * time.Millisecond,
		UserAgent:  "test",
	}, events.Discard())
}

func TestHTTPClientRetry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	client := newClient(3)

	raw, err := client.SendJSON(context.Background(), transport.NewRequest(http.MethodPost, server.URL+"/test"), map[string]string{"key": "value"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"success": true}`, string(raw))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHTTPClientNoRetryOnAuthFailure(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "Bad credentials"}`))
	}))
	defer server.Close()

	_, err := newClient(3).SendJSON(context.Background(), transport.NewRequest(http.MethodGet, server.URL), nil)

	assert.ErrorIs(t, err, models.ErrAuthenticationFailed)
	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad credentials", apiErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHTTPClientEmptyResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"no content", http.StatusNoContent, ""},
		{"empty ok", http.StatusOK, ""},
		{"whitespace", http.StatusOK, "  \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			raw, err := newClient(0).SendJSON(context.Background(), transport.NewRequest(http.MethodPost, server.URL), map[string]int{"a": 1})

			assert.NoError(t, err)
			assert.Nil(t, raw)
		})
	}
}

func TestHTTPClientMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>oops</html>")
	}))
	defer server.Close()

	_, err := newClient(3).SendJSON(context.Background(), transport.NewRequest(http.MethodGet, server.URL), nil)

	assert.ErrorIs(t, err, models.ErrMalformedRemoteData)
	var malformed *models.MalformedDataError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 17, malformed.Length)
	assert.Equal(t, "<html>oops</html>", malformed.Prefix)
}

func TestHTTPClientNetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newClient(1).Do(context.Background(), transport.NewRequest(http.MethodGet, url))

	assert.ErrorIs(t, err, models.ErrTransientNetwork)
}

func TestHTTPClientSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test", r.Header.Get("User-Agent"))
		w.Header().Set("X-RateLimit-Remaining", "42")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	req := transport.NewRequest(http.MethodPost, server.URL).WithBearer("tok").WithHeader("X-Api-Key", "secret")
	req.Body = []byte(`{}`)

	resp, err := newClient(0).Do(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "42", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestMockTransport(t *testing.T) {
	mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
		if r.Method == http.MethodDelete {
			return &transport.Response{StatusCode: http.StatusNotFound}, nil
		}
		return transport.JSONResponse(map[string]string{"ok": "yes"})
	})

	raw, err := mock.SendJSON(context.Background(), transport.NewRequest(http.MethodPost, "http://x"), map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":"yes"}`, string(raw))

	_, err = mock.Do(context.Background(), transport.NewRequest(http.MethodDelete, "http://x"))
	assert.ErrorIs(t, err, models.ErrClientRequestFailed)

	assert.Equal(t, 2, mock.Calls())
	last, ok := mock.LastRequest()
	require.True(t, ok)
	assert.Equal(t, http.MethodDelete, last.Method)
}

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tab-1", r.Header.Get("X-Tab-Id"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Echo one frame back
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.WriteJSON(msg)

		// Wait for the client to close
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	header := http.Header{}
	header.Set("X-Tab-Id", "tab-1")
	client := transport.NewWSClient(server.URL, header, events.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Send(map[string]string{"type": "materials_updated"}))

	select {
	case raw := <-client.Messages():
		var got map[string]string
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "materials_updated", got["type"])
	case <-ctx.Done():
		t.Fatal("timeout waiting for echo")
	}

	assert.NoError(t, client.Close())
	assert.Error(t, client.Send(map[string]string{}))
}
