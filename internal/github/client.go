// Package github talks to the GitHub Projects (v2) GraphQL API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/ratelimit"
	"github.com/TheMichaelB/whsync/internal/transport"
)

// HeaderAPIVersion pins the REST/GraphQL API version.
const HeaderAPIVersion = "X-GitHub-Api-Version"

// Client executes GraphQL documents for one project.
type Client struct {
	doer    transport.Doer
	limiter *ratelimit.Limiter
	logger  *events.Logger

	mu         sync.Mutex
	token      string
	endpoint   string
	apiVersion string
	owner      string
	number     int

	// Session caches, dropped by Invalidate
	project *Project
	fields  []Field
	views   []View
}

// NewClient creates a client. The limiter may be shared between clients
// using the same token.
func NewClient(cfg config.GitHubConfig, doer transport.Doer, limiter *ratelimit.Limiter, logger *events.Logger) *Client {
	return &Client{
		doer:       doer,
		limiter:    limiter,
		logger:     logger.WithField("component", "github_client"),
		token:      cfg.Token,
		endpoint:   cfg.Endpoint,
		apiVersion: cfg.APIVersion,
		owner:      cfg.Owner,
		number:     cfg.ProjectNumber,
	}
}

// Configure replaces the credentials and project coordinates and drops
// everything resolved for the previous ones.
func (c *Client) Configure(cfg config.GitHubConfig) {
	c.mu.Lock()
	c.token = cfg.Token
	c.owner = cfg.Owner
	c.number = cfg.ProjectNumber
	if cfg.Endpoint != "" {
		c.endpoint = cfg.Endpoint
	}
	if cfg.APIVersion != "" {
		c.apiVersion = cfg.APIVersion
	}
	c.mu.Unlock()

	c.Invalidate()
}

// Configured reports whether a token and project are set.
func (c *Client) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != "" && c.owner != "" && c.number > 0
}

// Invalidate forgets the resolved project and its schema.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.project = nil
	c.fields = nil
	c.views = nil
}

// RateLimit reports limiter usage.
func (c *Client) RateLimit() ratelimit.Status {
	return c.limiter.Status()
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// Execute sends one GraphQL document. Top-level errors with no data at all
// fail the call; partial errors are returned on the response for per-field
// handling.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]interface{}) (*models.GraphQLResponse, error) {
	c.mu.Lock()
	token, endpoint, version := c.token, c.endpoint, c.apiVersion
	c.mu.Unlock()

	if token == "" {
		return nil, fmt.Errorf("%w: github token missing", models.ErrNotConfigured)
	}

	if err := c.limiter.Check(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req := transport.NewRequest(http.MethodPost, endpoint).
		WithBearer(token).
		WithHeader(HeaderAPIVersion, version)
	req.Body = body

	resp, err := c.doer.Do(ctx, req)
	if resp != nil {
		c.limiter.Update(resp.Header)
	}
	if err != nil {
		return nil, err
	}

	var out models.GraphQLResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, models.NewMalformedDataError(endpoint, resp.Body, err)
	}

	if len(out.Errors) > 0 && !out.HasData() {
		apiErr := models.NewAPIError(resp.StatusCode, out.ErrorMessage())
		apiErr.Code = models.ErrCodeGraphQL
		apiErr.Errors = out.Errors
		return nil, apiErr
	}

	if len(out.Errors) > 0 {
		c.logger.WithField("errors", out.ErrorMessage()).Debug("Partial GraphQL errors")
	}

	return &out, nil
}

// Query executes a read and decodes its data object into out.
func (c *Client) Query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	resp, err := c.Execute(ctx, query, variables)
	if err != nil {
		return err
	}

	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("re-encode data: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return models.NewMalformedDataError("graphql data", data, err)
	}
	return nil
}

// Viewer returns the login of the token owner.
func (c *Client) Viewer(ctx context.Context) (string, error) {
	var data struct {
		Viewer struct {
			Login string `json:"login"`
		} `json:"viewer"`
	}
	if err := c.Query(ctx, viewerQuery, nil, &data); err != nil {
		return "", fmt.Errorf("query viewer: %w", err)
	}
	return data.Viewer.Login, nil
}

// isGraphQLError reports errors where the document was understood but
// the server refused it, as opposed to transport failures.
func isGraphQLError(err error) bool {
	var apiErr *models.APIError
	return errors.As(err, &apiErr) && apiErr.Code == models.ErrCodeGraphQL
}
