package cloudsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/transport"
)

const (
	defaultGistAPI      = "https://api.github.com"
	defaultGistFilename = "warehouse-data.json"
	gistAPIVersion      = "2022-11-28"
)

// GistProvider stores the backup as one file of a GitHub Gist. The gist is
// created on first upload.
type GistProvider struct {
	cfg    config.GistConfig
	sender transport.JSONSender
	logger *events.Logger

	mu     sync.Mutex
	gistID string
}

type gistFile struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
	RawURL    string `json:"raw_url,omitempty"`
	Size      int    `json:"size,omitempty"`
}

type gistDocument struct {
	ID          string              `json:"id,omitempty"`
	Description string              `json:"description,omitempty"`
	Public      *bool               `json:"public,omitempty"`
	Files       map[string]gistFile `json:"files"`
}

// NewGistProvider creates a gist provider.
func NewGistProvider(cfg config.GistConfig, sender transport.JSONSender, logger *events.Logger) *GistProvider {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultGistAPI
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Filename == "" {
		cfg.Filename = defaultGistFilename
	}
	return &GistProvider{
		cfg:    cfg,
		sender: sender,
		logger: logger.WithField("provider", config.ProviderGist),
		gistID: cfg.GistID,
	}
}

// Name returns the provider name.
func (p *GistProvider) Name() string {
	return config.ProviderGist
}

// GistID returns the gist in use, empty before the first upload.
func (p *GistProvider) GistID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gistID
}

func (p *GistProvider) request(method, url string) *transport.Request {
	return transport.NewRequest(method, url).
		WithBearer(p.cfg.Token).
		WithHeader("Accept", "application/vnd.github+json").
		WithHeader("X-GitHub-Api-Version", gistAPIVersion)
}

// Upload creates the gist or replaces its file.
func (p *GistProvider) Upload(ctx context.Context, backup *models.Backup) error {
	content, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}

	doc := gistDocument{
		Description: p.cfg.Description,
		Files:       map[string]gistFile{p.cfg.Filename: {Content: string(content)}},
	}

	id := p.GistID()
	if id != "" {
		if _, err := p.sender.SendJSON(ctx, p.request(http.MethodPatch, p.cfg.APIBase+"/gists/"+id), doc); err != nil {
			return fmt.Errorf("update gist: %w", err)
		}
		return nil
	}

	public := p.cfg.Public
	doc.Public = &public
	raw, err := p.sender.SendJSON(ctx, p.request(http.MethodPost, p.cfg.APIBase+"/gists"), doc)
	if err != nil {
		return fmt.Errorf("create gist: %w", err)
	}

	var created gistDocument
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == "" {
		return models.NewMalformedDataError("create gist", raw, err)
	}

	p.mu.Lock()
	p.gistID = created.ID
	p.mu.Unlock()

	p.logger.WithField("gist_id", created.ID).Info("Created gist")
	return nil
}

// Download reads the backup file, following raw_url when the API
// truncated the content.
func (p *GistProvider) Download(ctx context.Context) (*models.Backup, error) {
	id := p.GistID()
	if id == "" {
		return nil, fmt.Errorf("%w: no gist id, upload first", models.ErrNotConfigured)
	}

	raw, err := p.sender.SendJSON(ctx, p.request(http.MethodGet, p.cfg.APIBase+"/gists/"+id), nil)
	if err != nil {
		return nil, fmt.Errorf("read gist: %w", err)
	}

	var doc gistDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, models.NewMalformedDataError("gist "+id, raw, err)
	}

	file, ok := doc.Files[p.cfg.Filename]
	if !ok {
		return nil, &models.BackupError{Reason: fmt.Sprintf("gist has no file %q", p.cfg.Filename)}
	}

	content := []byte(file.Content)
	if file.Truncated && file.RawURL != "" {
		p.logger.WithField("size", file.Size).Debug("Gist content truncated, fetching raw file")
		if content, err = p.sender.SendJSON(ctx, p.request(http.MethodGet, file.RawURL), nil); err != nil {
			return nil, fmt.Errorf("read raw gist file: %w", err)
		}
	}

	var backup models.Backup
	if err := json.Unmarshal(content, &backup); err != nil {
		return nil, models.NewMalformedDataError(p.cfg.Filename, content, err)
	}
	return &backup, nil
}
