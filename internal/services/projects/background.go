package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/whsync/internal/broadcast"
	"github.com/TheMichaelB/whsync/internal/conflict"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
)

// Phase is the step a background cycle is in.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSnapshotting Phase = "snapshotting"
	PhaseFetching     Phase = "fetching"
	PhaseComparing    Phase = "comparing"
	PhaseResolving    Phase = "resolving"
	PhaseApplying     Phase = "applying"
)

// ErrBackgroundRunning is returned when the scheduler is already started.
var ErrBackgroundRunning = errors.New("background sync already running")

// CycleResult summarizes one background cycle.
type CycleResult struct {
	SyncID     string                `json:"sync_id"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Counts     models.ConflictCounts `json:"conflicts"`
	Resaved    []models.EntityType   `json:"resaved,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// StartBackground runs one cycle now and then one per interval until ctx
// ends or Stop is called. Ticks that find a cycle running are skipped.
func (m *Manager) StartBackground(ctx context.Context) error {
	m.bg.Lock()
	if m.cancel != nil {
		m.bg.Unlock()
		return ErrBackgroundRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	interval := m.interval
	m.bg.Unlock()

	m.logger.WithField("interval", interval.String()).Info("Starting background sync")

	go m.loop(ctx, interval, done)
	return nil
}

// Stop ends the scheduler and waits for a running cycle to return.
func (m *Manager) Stop() {
	m.bg.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.bg.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Stopped background sync")
}

// Phase returns the current cycle phase.
func (m *Manager) Phase() Phase {
	m.bg.Lock()
	defer m.bg.Unlock()
	return m.phase
}

// LastCycle returns the most recent cycle result, nil before the first.
func (m *Manager) LastCycle() *CycleResult {
	m.bg.Lock()
	defer m.bg.Unlock()
	return m.last
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if _, err := m.RunCycle(ctx); errors.Is(err, models.ErrSyncInProgress) {
		m.logger.Debug("Skipping tick, cycle still running")
	}
}

// RunCycle performs one reconcile pass against the project. Failures are
// broadcast and returned; they never leave the manager marked busy.
func (m *Manager) RunCycle(ctx context.Context) (*CycleResult, error) {
	m.bg.Lock()
	if m.syncing {
		m.bg.Unlock()
		return nil, models.ErrSyncInProgress
	}
	m.syncing = true
	m.bg.Unlock()

	result := &CycleResult{SyncID: uuid.NewString(), StartedAt: m.now()}
	logger := m.logger.WithField("sync_id", result.SyncID)
	ctx = events.WithSyncID(ctx, result.SyncID)

	defer func() {
		m.bg.Lock()
		m.syncing = false
		m.phase = PhaseIdle
		m.last = result
		m.bg.Unlock()
	}()

	err := m.cycle(ctx, result)
	result.FinishedAt = m.now()

	if err != nil {
		result.Error = err.Error()
		logger.WithError(err).Warn("Background sync failed")
		m.publish(broadcast.BackgroundSyncError, broadcast.SyncErrorPayload{
			Error: err.Error(),
			Code:  models.CodeOf(err),
		})
		return result, err
	}

	logger.WithFields(map[string]interface{}{
		"total":         result.Counts.Total,
		"auto_resolved": result.Counts.AutoResolved,
		"pending":       result.Counts.Pending,
		"duration":      result.FinishedAt.Sub(result.StartedAt).String(),
	}).Info("Background sync complete")

	return result, nil
}

func (m *Manager) setPhase(p Phase) {
	m.bg.Lock()
	m.phase = p
	m.bg.Unlock()
}

func phaseError(p Phase, err error) error {
	return &models.SyncError{
		Code:     models.CodeOf(err),
		Phase:    string(p),
		Provider: "github",
		Err:      err,
	}
}

func (m *Manager) cycle(ctx context.Context, result *CycleResult) error {
	m.setPhase(PhaseSnapshotting)
	local := m.snapshotCache()
	m.cache.ClearAll()

	m.setPhase(PhaseFetching)
	remote, err := m.fetch(ctx, true)
	if err != nil {
		return phaseError(PhaseFetching, err)
	}

	m.setPhase(PhaseComparing)
	conflicts := conflict.Detect(local, remote)

	m.setPhase(PhaseResolving)
	resolutions, counts, err := m.resolver.Process(conflicts)
	if err != nil {
		return phaseError(PhaseResolving, err)
	}
	result.Counts = counts

	m.setPhase(PhaseApplying)
	touched, err := conflict.Apply(remote, resolutions)
	if err != nil {
		return phaseError(PhaseApplying, err)
	}

	// Auto-resolved sections become the new remote truth
	for _, t := range touched {
		raw, _, err := m.persist(ctx, t, remote.Section(t))
		if err != nil {
			return phaseError(PhaseApplying, err)
		}
		if err := remote.SetSection(t, raw); err != nil {
			return phaseError(PhaseApplying, err)
		}
		result.Resaved = append(result.Resaved, t)
	}

	var stamp time.Time
	for _, t := range models.AllEntityTypes() {
		raw, err := json.Marshal(remote.Section(t))
		if err != nil {
			return phaseError(PhaseApplying, fmt.Errorf("encode %s: %w", t, err))
		}
		if stamp, err = m.cache.Set(t, json.RawMessage(raw)); err != nil {
			return phaseError(PhaseApplying, err)
		}
	}

	m.publish(broadcast.BackgroundSyncComplete, broadcast.SyncCompletePayload{
		Snapshot:  remote,
		FetchedAt: stamp.UnixMilli(),
		Conflicts: counts,
	})

	if counts.Pending > 0 {
		pending := m.resolver.Pending()
		m.publish(broadcast.ConflictsDetected, broadcast.ConflictsPayload{
			Count:     len(pending),
			Conflicts: pending,
		})
	}

	return nil
}

// snapshotCache reads every cached section regardless of TTL. Sections
// never fetched stay absent and are not compared.
func (m *Manager) snapshotCache() *models.Snapshot {
	snap := &models.Snapshot{}
	for _, t := range models.AllEntityTypes() {
		entry, ok := m.cache.Peek(t)
		if !ok {
			continue
		}
		if err := snap.SetSection(t, entry.Data); err != nil {
			m.logger.WithError(err).WithField("type", t).Warn("Dropping unreadable cache entry")
		}
	}
	return snap
}
