package cloudsync

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/transport"
)

// Provider moves one backup document to and from a remote blob.
type Provider interface {
	Name() string
	Upload(ctx context.Context, backup *models.Backup) error
	Download(ctx context.Context) (*models.Backup, error)
}

// DataManager exports and imports the local sections.
type DataManager interface {
	ExportAllData(ctx context.Context) (*models.Backup, error)
	ImportAllData(ctx context.Context, backup *models.Backup) (*models.ImportResult, error)
}

// NewProvider builds the provider selected by cfg.
func NewProvider(cfg config.CloudSyncConfig, sender transport.JSONSender, logger *events.Logger) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderGist:
		if cfg.Gist.Token == "" {
			return nil, fmt.Errorf("%w: gist token missing", models.ErrNotConfigured)
		}
		return NewGistProvider(cfg.Gist, sender, logger), nil
	case config.ProviderServer:
		if cfg.Server.UploadURL == "" || cfg.Server.DownloadURL == "" {
			return nil, fmt.Errorf("%w: server upload and download URLs required", models.ErrNotConfigured)
		}
		return NewServerProvider(cfg.Server, sender), nil
	case "":
		return nil, fmt.Errorf("%w: no provider selected", models.ErrNotConfigured)
	}
	return nil, fmt.Errorf("%w: unknown provider %q", models.ErrNotConfigured, cfg.Provider)
}
