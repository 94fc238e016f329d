package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/whsync/internal/batch"
	"github.com/TheMichaelB/whsync/internal/broadcast"
	"github.com/TheMichaelB/whsync/internal/cache"
	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/datamanager"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/github"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/ratelimit"
	"github.com/TheMichaelB/whsync/internal/services/cloudsync"
	"github.com/TheMichaelB/whsync/internal/services/projects"
	"github.com/TheMichaelB/whsync/internal/state"
	"github.com/TheMichaelB/whsync/internal/storage"
	"github.com/TheMichaelB/whsync/internal/transport"
)

// Client provides the high-level API for whsync operations.
type Client struct {
	Projects  *projects.Manager
	CloudSync *cloudsync.Manager
	Data      *datamanager.Manager
	Backups   *storage.BackupStore
	State     state.Store
	Hub       *broadcast.Hub

	config *config.Config
	logger *events.Logger
	github *github.Client
	queue  *batch.Queue
	relays []*broadcast.RelayClient
}

// New wires every component from cfg. The broadcast relay is joined
// separately with ConnectRelay.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.Storage.Backend, cfg.Storage.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	files, err := storage.NewLocalStore(cfg.Storage.BackupDir, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open backup directory: %w", err)
	}
	files.SetConflictStrategy(storage.ConflictRename)

	return NewWithStores(cfg, store, files, transport.NewHTTPClient(&cfg.API, logger), logger)
}

// NewWithStores wires a client over the given stores and transport.
func NewWithStores(cfg *config.Config, store state.Store, files storage.FileStore, http transport.Transport, logger *events.Logger) (*Client, error) {
	hub := broadcast.NewHub(logger)

	limiter := ratelimit.New(cfg.RateLimit)
	gh := github.NewClient(cfg.GitHub, http, limiter, logger)
	queue := batch.NewQueue(cfg.Batch, gh, logger)
	entityCache := cache.New(cfg.Cache)

	data := datamanager.New(store, logger)

	cloud, err := cloudsync.NewManager(cfg.CloudSync, store, data, http, hub, logger)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("create cloud sync: %w", err)
	}

	return &Client{
		Projects:  projects.NewManager(gh, queue, entityCache, hub, cfg.Background, logger),
		CloudSync: cloud,
		Data:      data,
		Backups:   storage.NewBackupStore(files, logger),
		State:     store,
		Hub:       hub,
		config:    cfg,
		logger:    logger,
		github:    gh,
		queue:     queue,
	}, nil
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config {
	return c.config
}

// RateLimit reports the GitHub quota tracked for this process.
func (c *Client) RateLimit() ratelimit.Status {
	return c.github.RateLimit()
}

// ConnectRelay bridges both sync channels to the relay at url.
func (c *Client) ConnectRelay(ctx context.Context, url string) error {
	for _, channel := range []string{broadcast.ChannelProjects, broadcast.ChannelCloudSync} {
		relay, err := broadcast.ConnectRelay(ctx, c.Hub, url, channel, c.logger)
		if err != nil {
			c.closeRelays()
			return err
		}
		c.relays = append(c.relays, relay)
	}
	c.logger.WithField("url", url).Info("Joined broadcast relay")
	return nil
}

// PullProjects loads every section from the project and stores it locally.
// Sections missing remotely are left untouched.
func (c *Client) PullProjects(ctx context.Context) (*models.Snapshot, error) {
	snap, err := c.Projects.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.StoreSnapshot(snap, "pulled from GitHub Projects"); err != nil {
		return nil, err
	}
	return snap, nil
}

// StoreSnapshot writes the present sections of snap to local data and
// records them as unsynced changes.
func (c *Client) StoreSnapshot(snap *models.Snapshot, reason string) error {
	for _, t := range snap.Present() {
		if err := c.Data.SaveSection(t, snap.Section(t)); err != nil {
			return err
		}
		if err := c.CloudSync.TrackChange(reason, t); err != nil {
			c.logger.WithError(err).Warn("Failed to record change")
		}
	}
	return nil
}

// PrimeProjects makes local data the baseline of the next background cycle.
func (c *Client) PrimeProjects(ctx context.Context) error {
	snap, err := c.Data.Snapshot(ctx)
	if err != nil {
		return err
	}
	return c.Projects.Prime(snap)
}

// Reconcile runs one background cycle against local data. Unless conflicts
// remain queued, the reconciled sections are stored locally.
func (c *Client) Reconcile(ctx context.Context) (*projects.CycleResult, error) {
	if err := c.PrimeProjects(ctx); err != nil {
		return nil, err
	}

	result, err := c.Projects.RunCycle(ctx)
	if err != nil {
		return result, err
	}
	if result.Counts.Pending > 0 {
		return result, nil
	}

	if _, err := c.PullProjects(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// PushProjects saves every locally present section to the project.
func (c *Client) PushProjects(ctx context.Context) (map[models.EntityType]projects.SaveResult, error) {
	snap, err := c.Data.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[models.EntityType]projects.SaveResult)
	for _, t := range snap.Present() {
		res, err := c.Projects.Save(ctx, t, snap.Section(t))
		if err != nil {
			return results, fmt.Errorf("save %s: %w", t, err)
		}
		results[t] = res
	}
	return results, nil
}

// ExportBackup writes the local data to the backup directory, keeping at
// most keep files when keep is positive.
func (c *Client) ExportBackup(ctx context.Context, keep int) (string, *models.Backup, error) {
	backup, err := c.Data.ExportAllData(ctx)
	if err != nil {
		return "", nil, err
	}

	name, err := c.Backups.Save(backup)
	if err != nil {
		return "", nil, err
	}

	if keep > 0 {
		if _, err := c.Backups.Prune(keep); err != nil {
			c.logger.WithError(err).Warn("Failed to prune backups")
		}
	}
	return name, backup, nil
}

// Close releases all resources.
func (c *Client) Close() error {
	c.Projects.Close()
	c.CloudSync.Close()
	c.queue.Close()
	c.closeRelays()

	var errs []error
	if err := c.State.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) closeRelays() {
	for _, r := range c.relays {
		_ = r.Close()
	}
	c.relays = nil
}
