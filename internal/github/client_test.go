package github_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/github"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/ratelimit"
	"github.com/TheMichaelB/whsync/internal/transport"
)

type gqlBody struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func decodeBody(t *testing.T, r *transport.Request) gqlBody {
	t.Helper()
	var b gqlBody
	require.NoError(t, json.Unmarshal(r.Body, &b))
	return b
}

func raw(body string) (*transport.Response, error) {
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func newClient(mock *transport.MockTransport, quota int) *github.Client {
	cfg := config.GitHubConfig{
		Token:         "ghp_test",
		Owner:         "acme",
		ProjectNumber: 7,
		Endpoint:      "https://api.github.test/graphql",
		APIVersion:    "2022-11-28",
	}
	limiter := ratelimit.New(config.RateLimitConfig{Quota: quota, Window: time.Hour})
	return github.NewClient(cfg, mock, limiter, events.Discard())
}

func TestExecuteSendsHeaders(t *testing.T) {
	mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
		return raw(`{"data":{"viewer":{"login":"octo"}}}`)
	})
	c := newClient(mock, 10)

	login, err := c.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "octo", login)

	req, ok := mock.LastRequest()
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://api.github.test/graphql", req.URL)
	assert.Equal(t, "Bearer ghp_test", req.Header.Get("Authorization"))
	assert.Equal(t, "2022-11-28", req.Header.Get(github.HeaderAPIVersion))
}

func TestRateLimitBoundaryFailsWithoutNetwork(t *testing.T) {
	mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
		return raw(`{"data":{"viewer":{"login":"octo"}}}`)
	})
	c := newClient(mock, 3)

	for i := 0; i < 3; i++ {
		_, err := c.Viewer(context.Background())
		require.NoError(t, err, "call %d", i+1)
	}

	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, models.ErrRateLimitExceeded)
	assert.Equal(t, 3, mock.Calls())
	assert.Equal(t, 0, c.RateLimit().Remaining)
}

func TestProviderHeadersBlockUntilReset(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
		header := http.Header{}
		header.Set(ratelimit.HeaderRemaining, "0")
		header.Set(ratelimit.HeaderReset, strconv.FormatInt(reset, 10))
		return &transport.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       []byte(`{"data":{"viewer":{"login":"octo"}}}`),
		}, nil
	})
	c := newClient(mock, 100)

	_, err := c.Viewer(context.Background())
	require.NoError(t, err)

	_, err = c.Viewer(context.Background())
	assert.ErrorIs(t, err, models.ErrRateLimitExceeded)
	assert.Equal(t, 1, mock.Calls())
}

func TestResolveProjectFallsBackToOrganization(t *testing.T) {
	var seen []string
	mock := transport.NewMockTransport(nil)
	mock.Handler = func(r *transport.Request) (*transport.Response, error) {
		b := decodeBody(t, r)
		switch {
		case strings.Contains(b.Query, "user(login"):
			seen = append(seen, "user")
			return raw(`{"data":{"user":null},"errors":[{"type":"NOT_FOUND","path":["user"],"message":"Could not resolve to a User with the login of 'acme'."}]}`)
		case strings.Contains(b.Query, "organization(login"):
			seen = append(seen, "organization")
			assert.Equal(t, "acme", b.Variables["owner"])
			assert.EqualValues(t, 7, b.Variables["number"])
			return raw(`{"data":{"organization":{"projectV2":{"id":"PVT_1","title":"Warehouse","number":7}}}}`)
		}
		t.Fatalf("unexpected query %s", b.Query)
		return nil, nil
	}
	c := newClient(mock, 100)

	project, err := c.ResolveProject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PVT_1", project.ID)
	assert.Equal(t, "organization", project.OwnerType)
	assert.Equal(t, []string{"user", "organization"}, seen)

	// Cached until invalidated
	_, err = c.ResolveProject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mock.Calls())

	c.Invalidate()
	_, err = c.ResolveProject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, mock.Calls())
}

func TestResolveProjectNotFound(t *testing.T) {
	mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
		if strings.Contains(decodeBody(t, r).Query, "user(login") {
			return raw(`{"data":{"user":{"projectV2":null}}}`)
		}
		return raw(`{"data":{"organization":null},"errors":[{"type":"NOT_FOUND","path":["organization"],"message":"not found"}]}`)
	})
	c := newClient(mock, 100)

	_, err := c.ResolveProject(context.Background())
	assert.ErrorIs(t, err, models.ErrProjectNotFound)
}

func TestResolveProjectTransportErrorIsNotFallback(t *testing.T) {
	mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusUnauthorized, Body: []byte(`{"message":"Bad credentials"}`)}, nil
	})
	c := newClient(mock, 100)

	_, err := c.ResolveProject(context.Background())
	assert.ErrorIs(t, err, models.ErrAuthenticationFailed)
	assert.Equal(t, 1, mock.Calls())
}

func TestListItemsPaginates(t *testing.T) {
	pages := map[string]string{
		"": `{"data":{"node":{"items":{"pageInfo":{"hasNextPage":true,"endCursor":"c1"},"nodes":[
			{"id":"PVTI_1","updatedAt":"2024-01-01T00:00:00Z","content":{"id":"DI_1","title":"materials:M1","body":"{}","updatedAt":"2024-01-02T00:00:00Z"},
			 "fieldValues":{"nodes":[{"text":"materials","field":{"name":"Data Type"}},{}]}},
			{"id":"PVTI_X","content":{}}
		]}}}}`,
		"c1": `{"data":{"node":{"items":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[
			{"id":"PVTI_2","updatedAt":"2024-01-03T00:00:00Z","content":{"id":"DI_2","title":"notes:N1","body":"{}"}}
		]}}}}`,
	}

	mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
		b := decodeBody(t, r)
		if strings.Contains(b.Query, "projectV2(number") {
			return raw(`{"data":{"user":{"projectV2":{"id":"PVT_1","title":"W","number":7}}}}`)
		}
		cursor, _ := b.Variables["cursor"].(string)
		return raw(pages[cursor])
	})
	c := newClient(mock, 100)

	items, err := c.ListItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "DI_1", items[0].DraftID)
	assert.Equal(t, "materials:M1", items[0].Title)
	assert.Equal(t, "2024-01-02T00:00:00Z", items[0].UpdatedAt)
	assert.Equal(t, map[string]string{"Data Type": "materials"}, items[0].FieldValues)

	// Falls back to the item timestamp
	assert.Equal(t, "2024-01-03T00:00:00Z", items[1].UpdatedAt)
	assert.Equal(t, 3, mock.Calls())
}

func TestFieldsCachedForSession(t *testing.T) {
	mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
		b := decodeBody(t, r)
		if strings.Contains(b.Query, "projectV2(number") {
			return raw(`{"data":{"user":{"projectV2":{"id":"PVT_1","title":"W","number":7}}}}`)
		}
		return raw(`{"data":{"node":{"fields":{"nodes":[{"id":"F1","name":"Title","dataType":"TITLE"},{}]}}}}`)
	})
	c := newClient(mock, 100)

	fields, err := c.Fields(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []github.Field{{ID: "F1", Name: "Title", DataType: "TITLE"}}, fields)

	_, err = c.Fields(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mock.Calls())

	c.InvalidateSchema()
	_, err = c.Fields(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, mock.Calls())
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"malformed json", http.StatusOK, `{"data": {`, models.ErrMalformedRemoteData},
		{"server error", http.StatusBadGateway, `bad gateway`, models.ErrRemoteServer},
		{"forbidden", http.StatusForbidden, `{"message":"nope"}`, models.ErrAuthenticationFailed},
		{"errors without data", http.StatusOK, `{"errors":[{"message":"Something went wrong"}]}`, models.ErrRemoteAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := transport.NewMockTransport(func(r *transport.Request) (*transport.Response, error) {
				return &transport.Response{StatusCode: tt.status, Body: []byte(tt.body)}, nil
			})
			c := newClient(mock, 100)

			_, err := c.Execute(context.Background(), "query { viewer { login } }", nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExecuteRequiresToken(t *testing.T) {
	mock := transport.NewMockTransport(nil)
	c := github.NewClient(config.GitHubConfig{}, mock, ratelimit.New(config.RateLimitConfig{Quota: 1, Window: time.Hour}), events.Discard())

	_, err := c.Execute(context.Background(), "query { viewer { login } }", nil)
	assert.ErrorIs(t, err, models.ErrNotConfigured)
	assert.False(t, c.Configured())
	assert.Equal(t, 0, mock.Calls())
}
