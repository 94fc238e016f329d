package cloudsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/transport"
)

// ServerProvider talks to a user supplied upload/download endpoint pair.
type ServerProvider struct {
	cfg    config.ServerConfig
	sender transport.JSONSender
}

// NewServerProvider creates a server provider.
func NewServerProvider(cfg config.ServerConfig, sender transport.JSONSender) *ServerProvider {
	return &ServerProvider{cfg: cfg, sender: sender}
}

// Name returns the provider name.
func (p *ServerProvider) Name() string {
	return config.ProviderServer
}

// Upload POSTs the backup as the request body.
func (p *ServerProvider) Upload(ctx context.Context, backup *models.Backup) error {
	req := transport.NewRequest(http.MethodPost, p.cfg.UploadURL).
		WithHeader(p.cfg.AuthHeader, p.cfg.AuthValue)

	if _, err := p.sender.SendJSON(ctx, req, backup); err != nil {
		return fmt.Errorf("upload to server: %w", err)
	}
	return nil
}

// Download GETs the backup. An empty response means nothing was uploaded.
func (p *ServerProvider) Download(ctx context.Context) (*models.Backup, error) {
	req := transport.NewRequest(http.MethodGet, p.cfg.DownloadURL).
		WithHeader(p.cfg.AuthHeader, p.cfg.AuthValue)

	raw, err := p.sender.SendJSON(ctx, req, nil)
	if err != nil {
		return nil, fmt.Errorf("download from server: %w", err)
	}
	if raw == nil {
		return nil, &models.BackupError{Reason: "server returned no data"}
	}

	var backup models.Backup
	if err := json.Unmarshal(raw, &backup); err != nil {
		return nil, models.NewMalformedDataError(p.cfg.DownloadURL, raw, err)
	}
	return &backup, nil
}
