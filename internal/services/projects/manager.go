// Package projects stores warehouse sections as draft issues of a GitHub
// project and keeps other tabs in step through the broadcast hub.
package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/whsync/internal/batch"
	"github.com/TheMichaelB/whsync/internal/broadcast"
	"github.com/TheMichaelB/whsync/internal/cache"
	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/conflict"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/github"
	"github.com/TheMichaelB/whsync/internal/models"
	"github.com/TheMichaelB/whsync/internal/ratelimit"
)

// DefaultInterval is used when the background interval is unset.
const DefaultInterval = 30 * time.Second

// Manager is the GitHub Projects database for one tab.
type Manager struct {
	client   *github.Client
	queue    *batch.Queue
	cache    *cache.Cache
	resolver *conflict.Resolver
	endpoint *broadcast.Endpoint
	logger   *events.Logger
	now      func() time.Time

	mu       sync.Mutex
	index    index
	fieldIDs map[string]string

	// Background scheduler state
	bg       sync.Mutex
	syncing  bool
	phase    Phase
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	last     *CycleResult
}

// SaveResult counts what a save changed remotely.
type SaveResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// Changed is the number of remote writes.
func (r SaveResult) Changed() int {
	return r.Created + r.Updated + r.Deleted
}

// Status is a point-in-time view for the CLI.
type Status struct {
	TabID      string                          `json:"tab_id"`
	Configured bool                            `json:"configured"`
	Strategy   models.Strategy                 `json:"strategy"`
	Phase      Phase                           `json:"phase"`
	Background bool                            `json:"background"`
	Pending    int                             `json:"pending"`
	RateLimit  ratelimit.Status                `json:"rate_limit"`
	Queue      batch.Stats                     `json:"queue"`
	Cached     map[models.EntityType]time.Time `json:"cached"`
	LastCycle  *CycleResult                    `json:"last_cycle,omitempty"`
}

// NewManager wires a manager onto the projects channel of hub. The queue
// must execute through client.
func NewManager(
	client *github.Client,
	queue *batch.Queue,
	c *cache.Cache,
	hub *broadcast.Hub,
	cfg config.BackgroundConfig,
	logger *events.Logger,
) *Manager {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	m := &Manager{
		client:   client,
		queue:    queue,
		cache:    c,
		resolver: conflict.NewResolver(models.Strategy(cfg.Strategy)),
		endpoint: hub.Join(broadcast.ChannelProjects, ""),
		now:      time.Now,
		phase:    PhaseIdle,
		interval: interval,
	}
	m.logger = logger.WithFields(map[string]interface{}{
		"component": "projects_manager",
		"tab_id":    m.endpoint.TabID(),
	})

	queue.OnFlushed(m.onFlushed)
	m.endpoint.Subscribe(m.handle)

	return m
}

// TabID identifies this manager on the broadcast channel.
func (m *Manager) TabID() string {
	return m.endpoint.TabID()
}

// Subscribe registers h for messages from other tabs.
func (m *Manager) Subscribe(h broadcast.Handler) {
	m.endpoint.Subscribe(h)
}

// Strategy returns the conflict strategy.
func (m *Manager) Strategy() models.Strategy {
	return m.resolver.Strategy()
}

// SetStrategy changes the conflict strategy for later cycles.
func (m *Manager) SetStrategy(s models.Strategy) error {
	return m.resolver.SetStrategy(s)
}

// Pending returns the conflicts queued for manual resolution.
func (m *Manager) Pending() []models.Conflict {
	return m.resolver.Pending()
}

// Views lists the project's views. They are fetched once per session.
func (m *Manager) Views(ctx context.Context) ([]github.View, error) {
	views, err := m.client.Views(ctx)
	if err != nil {
		return nil, err
	}
	m.logger.WithField("views", len(views)).Debug("Listed project views")
	return views, nil
}

// EnsureFields creates the text fields items carry when the project lacks
// them. Existing fields are never recreated.
func (m *Manager) EnsureFields(ctx context.Context) ([]string, error) {
	required := RequiredFields()

	m.mu.Lock()
	ready := len(m.fieldIDs) == len(required)
	m.mu.Unlock()
	if ready {
		return nil, nil
	}

	project, err := m.client.ResolveProject(ctx)
	if err != nil {
		return nil, err
	}

	fields, err := m.client.Fields(ctx)
	if err != nil {
		return nil, err
	}
	ids := fieldIndex(fields, required)

	var created []string
	for _, name := range required {
		if _, ok := ids[name]; ok {
			continue
		}
		_, err := m.queue.Do(ctx, batch.Request{
			Type: batch.OpCreateField,
			Input: map[string]interface{}{
				"projectId": project.ID,
				"dataType":  "TEXT",
				"name":      name,
			},
		})
		if err != nil {
			return created, fmt.Errorf("create field %q: %w", name, err)
		}
		created = append(created, name)
	}

	if len(created) > 0 {
		m.logger.WithField("fields", created).Info("Created project fields")
		m.client.InvalidateSchema()
		if fields, err = m.client.Fields(ctx); err != nil {
			return created, err
		}
		ids = fieldIndex(fields, required)
	}

	m.mu.Lock()
	m.fieldIDs = ids
	m.mu.Unlock()

	return created, nil
}

func fieldIndex(fields []github.Field, names []string) map[string]string {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	ids := make(map[string]string, len(names))
	for _, f := range fields {
		if wanted[f.Name] {
			ids[f.Name] = f.ID
		}
	}
	return ids
}

// Load returns section t as JSON, from cache while valid.
func (m *Manager) Load(ctx context.Context, t models.EntityType) (json.RawMessage, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	if raw, ok := m.cache.Get(t); ok {
		return raw, nil
	}

	snap, err := m.fetch(ctx, false)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(snap.Section(t))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	if _, err := m.cache.Set(t, json.RawMessage(raw)); err != nil {
		return nil, err
	}
	return raw, nil
}

// LoadAll returns every section, fetching once for those not cached.
func (m *Manager) LoadAll(ctx context.Context) (*models.Snapshot, error) {
	out := &models.Snapshot{}
	var missing []models.EntityType

	for _, t := range models.AllEntityTypes() {
		raw, ok := m.cache.Get(t)
		if !ok {
			missing = append(missing, t)
			continue
		}
		if err := out.SetSection(t, raw); err != nil {
			return nil, err
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	snap, err := m.fetch(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, t := range missing {
		raw, err := json.Marshal(snap.Section(t))
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		if _, err := m.cache.Set(t, json.RawMessage(raw)); err != nil {
			return nil, err
		}
		if err := out.SetSection(t, raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadMaterials returns the materials map.
func (m *Manager) LoadMaterials(ctx context.Context) (models.RecordMap, error) {
	return m.loadMap(ctx, models.EntityMaterials)
}

// LoadGroups returns the groups map.
func (m *Manager) LoadGroups(ctx context.Context) (models.RecordMap, error) {
	return m.loadMap(ctx, models.EntityGroups)
}

// LoadNotes returns the notes map.
func (m *Manager) LoadNotes(ctx context.Context) (models.RecordMap, error) {
	return m.loadMap(ctx, models.EntityNotes)
}

// LoadArchive returns archived reports in order.
func (m *Manager) LoadArchive(ctx context.Context) ([]models.Record, error) {
	raw, err := m.Load(ctx, models.EntityArchive)
	if err != nil {
		return nil, err
	}
	return toList(raw)
}

// LoadAlertRules returns the alert rules, nil when never saved.
func (m *Manager) LoadAlertRules(ctx context.Context) (models.Record, error) {
	return m.loadSingleton(ctx, models.EntityAlertRules)
}

// LoadStorageTypeSettings returns the storage type settings.
func (m *Manager) LoadStorageTypeSettings(ctx context.Context) (models.Record, error) {
	return m.loadSingleton(ctx, models.EntityStorageTypeSettings)
}

func (m *Manager) loadMap(ctx context.Context, t models.EntityType) (models.RecordMap, error) {
	raw, err := m.Load(ctx, t)
	if err != nil {
		return nil, err
	}
	return toMap(raw)
}

func (m *Manager) loadSingleton(ctx context.Context, t models.EntityType) (models.Record, error) {
	raw, err := m.Load(ctx, t)
	if err != nil {
		return nil, err
	}
	return toRecord(raw)
}

// SaveMaterials replaces the materials map remotely.
func (m *Manager) SaveMaterials(ctx context.Context, v models.RecordMap) (SaveResult, error) {
	return m.Save(ctx, models.EntityMaterials, v)
}

// SaveGroups replaces the groups map remotely.
func (m *Manager) SaveGroups(ctx context.Context, v models.RecordMap) (SaveResult, error) {
	return m.Save(ctx, models.EntityGroups, v)
}

// SaveNotes replaces the notes map remotely.
func (m *Manager) SaveNotes(ctx context.Context, v models.RecordMap) (SaveResult, error) {
	return m.Save(ctx, models.EntityNotes, v)
}

// SaveArchive replaces the archive remotely.
func (m *Manager) SaveArchive(ctx context.Context, v []models.Record) (SaveResult, error) {
	return m.Save(ctx, models.EntityArchive, v)
}

// SaveAlertRules replaces the alert rules. Nil removes them.
func (m *Manager) SaveAlertRules(ctx context.Context, v models.Record) (SaveResult, error) {
	return m.Save(ctx, models.EntityAlertRules, v)
}

// SaveStorageTypeSettings replaces the storage type settings.
func (m *Manager) SaveStorageTypeSettings(ctx context.Context, v models.Record) (SaveResult, error) {
	return m.Save(ctx, models.EntityStorageTypeSettings, v)
}

// Save makes the remote copy of section t equal value. Entities whose
// content is unchanged are skipped; changed ones get a fresh updatedAt.
// The saved section is cached and announced to other tabs.
func (m *Manager) Save(ctx context.Context, t models.EntityType, value interface{}) (SaveResult, error) {
	raw, result, err := m.persist(ctx, t, value)
	if err != nil {
		m.cache.Clear(t)
		return result, err
	}

	stamp, err := m.cache.Set(t, json.RawMessage(raw))
	if err != nil {
		return result, err
	}

	m.logger.WithFields(map[string]interface{}{
		"type":      t,
		"created":   result.Created,
		"updated":   result.Updated,
		"deleted":   result.Deleted,
		"unchanged": result.Unchanged,
	}).Debug("Saved section")

	if result.Changed() > 0 {
		m.publish(broadcast.EntityUpdated(t), broadcast.EntityPayload{
			Data:      raw,
			FetchedAt: stamp.UnixMilli(),
		})
	}

	return result, nil
}

// persist writes the difference between value and the remote index and
// returns the section as stored.
func (m *Manager) persist(ctx context.Context, t models.EntityType, value interface{}) (json.RawMessage, SaveResult, error) {
	var result SaveResult

	want, err := flatten(t, value)
	if err != nil {
		return nil, result, err
	}

	project, err := m.client.ResolveProject(ctx)
	if err != nil {
		return nil, result, err
	}
	if _, err := m.EnsureFields(ctx); err != nil {
		return nil, result, err
	}
	existing, err := m.remoteRefs(ctx, t)
	if err != nil {
		return nil, result, err
	}

	now := m.now()
	stored := make([]desired, len(want))
	g, gctx := errgroup.WithContext(ctx)

	for i, d := range want {
		d := d
		ref, known := existing[d.key]
		delete(existing, d.key)

		if known && ref.Index == d.pos && models.SameContent(ref.Record, d.record) {
			stored[i] = desired{key: d.key, pos: d.pos, record: ref.Record}
			result.Unchanged++
			continue
		}

		rec := d.record.Clone()
		rec.Touch(now)
		stored[i] = desired{key: d.key, pos: d.pos, record: rec}

		body, err := encodeBody(t, d.key, d.pos, rec)
		if err != nil {
			_ = g.Wait()
			return nil, result, err
		}

		if known {
			result.Updated++
			g.Go(func() error { return m.updateItem(gctx, project.ID, t, d, ref, body, rec) })
		} else {
			result.Created++
			g.Go(func() error { return m.createItem(gctx, project.ID, t, d, body, rec) })
		}
	}

	for key, ref := range existing {
		key, ref := key, ref
		result.Deleted++
		g.Go(func() error { return m.deleteItem(gctx, project.ID, t, key, ref) })
	}

	if err := g.Wait(); err != nil {
		return nil, result, fmt.Errorf("save %s: %w", t, err)
	}

	raw, err := json.Marshal(assemble(t, stored))
	if err != nil {
		return nil, result, fmt.Errorf("encode %s: %w", t, err)
	}
	return raw, result, nil
}

// assemble rebuilds the section shape of t from stored entities.
func assemble(t models.EntityType, stored []desired) interface{} {
	switch {
	case t.IsList():
		sort.SliceStable(stored, func(i, j int) bool { return stored[i].pos < stored[j].pos })
		list := make([]models.Record, 0, len(stored))
		for _, d := range stored {
			list = append(list, d.record)
		}
		return list
	case t.IsSingleton():
		if len(stored) == 0 {
			return nil
		}
		return stored[0].record
	default:
		out := make(models.RecordMap, len(stored))
		for _, d := range stored {
			out[d.key] = d.record
		}
		return out
	}
}

// remoteRefs returns a copy of the index entries for t, listing the
// project first when no index is held.
func (m *Manager) remoteRefs(ctx context.Context, t models.EntityType) (map[string]itemRef, error) {
	m.mu.Lock()
	loaded := m.index != nil
	m.mu.Unlock()

	if !loaded {
		if _, err := m.fetch(ctx, false); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]itemRef, len(m.index[t]))
	for k, ref := range m.index[t] {
		out[k] = ref
	}
	return out, nil
}

func (m *Manager) createItem(ctx context.Context, projectID string, t models.EntityType, d desired, body string, rec models.Record) error {
	data, err := m.queue.Do(ctx, batch.Request{
		Type:       batch.OpCreate,
		EntityType: t,
		Input: map[string]interface{}{
			"projectId": projectID,
			"title":     itemTitle(t, d.key),
			"body":      body,
		},
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", itemTitle(t, d.key), err)
	}

	var out struct {
		ProjectItem struct {
			ID      string `json:"id"`
			Content struct {
				ID string `json:"id"`
			} `json:"content"`
		} `json:"projectItem"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return models.NewMalformedDataError("create "+itemTitle(t, d.key), data, err)
	}

	m.remember(t, d.key, itemRef{
		ItemID:  out.ProjectItem.ID,
		DraftID: out.ProjectItem.Content.ID,
		Index:   d.pos,
		Record:  rec,
	})

	return m.setFields(ctx, projectID, t, out.ProjectItem.ID, map[string]string{
		FieldDataType:  string(t),
		FieldEntityKey: d.key,
		FieldUpdatedAt: fmt.Sprint(rec[models.UpdatedAtField]),
	})
}

func (m *Manager) updateItem(ctx context.Context, projectID string, t models.EntityType, d desired, ref itemRef, body string, rec models.Record) error {
	_, err := m.queue.Do(ctx, batch.Request{
		Type:       batch.OpUpdate,
		EntityType: t,
		Input: map[string]interface{}{
			"draftIssueId": ref.DraftID,
			"title":        itemTitle(t, d.key),
			"body":         body,
		},
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", itemTitle(t, d.key), err)
	}

	ref.Index = d.pos
	ref.Record = rec
	m.remember(t, d.key, ref)

	return m.setFields(ctx, projectID, t, ref.ItemID, map[string]string{
		FieldUpdatedAt: fmt.Sprint(rec[models.UpdatedAtField]),
	})
}

func (m *Manager) deleteItem(ctx context.Context, projectID string, t models.EntityType, key string, ref itemRef) error {
	_, err := m.queue.Do(ctx, batch.Request{
		Type:       batch.OpDelete,
		EntityType: t,
		Input: map[string]interface{}{
			"projectId": projectID,
			"itemId":    ref.ItemID,
		},
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", itemTitle(t, key), err)
	}

	m.mu.Lock()
	if m.index != nil {
		m.index.remove(t, key)
	}
	m.mu.Unlock()
	return nil
}

// setFields writes text field values concurrently so they share a batch.
// Fields missing from the schema are skipped.
func (m *Manager) setFields(ctx context.Context, projectID string, t models.EntityType, itemID string, values map[string]string) error {
	m.mu.Lock()
	ids := make(map[string]string, len(values))
	for name := range values {
		if id, ok := m.fieldIDs[name]; ok {
			ids[name] = id
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, fieldID := range ids {
		name, fieldID := name, fieldID
		text := values[name]
		g.Go(func() error {
			_, err := m.queue.Do(gctx, batch.Request{
				Type:       batch.OpUpdateField,
				EntityType: t,
				Input: map[string]interface{}{
					"projectId": projectID,
					"itemId":    itemID,
					"fieldId":   fieldID,
					"value":     map[string]interface{}{"text": text},
				},
			})
			if err != nil {
				return fmt.Errorf("set field %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) remember(t models.EntityType, key string, ref itemRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != nil {
		m.index.put(t, key, ref)
	}
}

// fetch lists the project, from the item cache unless force is set, and
// rebuilds the remote index.
func (m *Manager) fetch(ctx context.Context, force bool) (*models.Snapshot, error) {
	var (
		items  []github.Item
		cached bool
	)

	if !force {
		if raw, ok := m.cache.Items(); ok {
			cached = json.Unmarshal(raw, &items) == nil
		}
	}

	if !cached {
		var err error
		items, err = m.client.ListItems(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.cache.SetItems(items); err != nil {
			m.logger.WithError(err).Warn("Failed to cache item listing")
		}
	}

	snap, ix, skipped := buildSnapshot(items)
	if skipped > 0 {
		m.logger.WithField("skipped", skipped).Debug("Ignored foreign or duplicate items")
	}

	m.mu.Lock()
	m.index = ix
	m.mu.Unlock()

	return snap, nil
}

// onFlushed invalidates caches touched by a transported batch.
func (m *Manager) onFlushed(types []models.EntityType) {
	for _, t := range types {
		m.cache.Clear(t)
	}
	m.cache.ClearItems()
}

// ResolveConflict settles pending conflict index with strategy, or with
// custom data when strategy is empty or manual, and saves the section.
// A failed save puts the conflict back in the queue.
func (m *Manager) ResolveConflict(ctx context.Context, index int, strategy models.Strategy, custom interface{}) error {
	c, err := m.resolver.Take(index)
	if err != nil {
		return err
	}

	var res conflict.Resolution
	if strategy == "" || strategy == models.StrategyManual {
		res = conflict.Custom(c, custom)
	} else if res, err = conflict.Resolve(c, strategy); err != nil {
		m.resolver.Requeue(index, c)
		return err
	}

	if err := m.applyResolution(ctx, res); err != nil {
		m.resolver.Requeue(index, c)
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"type":     c.DataType,
		"key":      c.Key,
		"strategy": res.Strategy,
	}).Info("Resolved conflict")
	return nil
}

func (m *Manager) applyResolution(ctx context.Context, res conflict.Resolution) error {
	t := res.Conflict.DataType

	raw, err := m.Load(ctx, t)
	if err != nil {
		return err
	}
	snap := &models.Snapshot{}
	if err := snap.SetSection(t, raw); err != nil {
		return err
	}
	if _, err := conflict.Apply(snap, []conflict.Resolution{res}); err != nil {
		return err
	}

	_, err = m.Save(ctx, t, snap.Section(t))
	return err
}

// ClearCache drops every cached section here and in other tabs.
func (m *Manager) ClearCache() {
	m.cache.ClearAll()
	m.publish(broadcast.CacheCleared, nil)
}

// Prime seeds the cache with locally held sections so the next cycle
// compares against them.
func (m *Manager) Prime(snap *models.Snapshot) error {
	for _, t := range snap.Present() {
		raw, err := json.Marshal(snap.Section(t))
		if err != nil {
			return fmt.Errorf("encode %s: %w", t, err)
		}
		if _, err := m.cache.Set(t, json.RawMessage(raw)); err != nil {
			return err
		}
	}
	return nil
}

// Reconfigure points the manager at another project and tells other tabs
// to drop what they cached for the old one.
func (m *Manager) Reconfigure(cfg config.GitHubConfig) {
	m.client.Configure(cfg)
	m.forget()
	m.publish(broadcast.SettingsChanged, nil)
}

func (m *Manager) forget() {
	m.cache.ClearAll()
	m.mu.Lock()
	m.index = nil
	m.fieldIDs = nil
	m.mu.Unlock()
}

// Status reports configuration, scheduler and cache state.
func (m *Manager) Status() Status {
	m.bg.Lock()
	st := Status{
		Phase:      m.phase,
		Background: m.cancel != nil,
		LastCycle:  m.last,
	}
	m.bg.Unlock()

	st.TabID = m.TabID()
	st.Configured = m.client.Configured()
	st.Strategy = m.resolver.Strategy()
	st.Pending = len(m.resolver.Pending())
	st.RateLimit = m.client.RateLimit()
	st.Queue = m.queue.Stats()
	st.Cached = m.cache.Stats()
	return st
}

// Close stops the scheduler and leaves the channel.
func (m *Manager) Close() {
	m.Stop()
	m.endpoint.Close()
}

func (m *Manager) publish(typ broadcast.MessageType, data interface{}) {
	if err := m.endpoint.Publish(typ, data); err != nil {
		m.logger.WithError(err).WithField("type", typ).Warn("Broadcast failed")
	}
}

// handle applies a message from another tab.
func (m *Manager) handle(msg broadcast.Message) {
	logger := m.logger.WithFields(map[string]interface{}{
		"type": msg.Type,
		"from": msg.TabID,
	})

	if t, ok := msg.Type.UpdatedEntity(); ok {
		var payload broadcast.EntityPayload
		if !msg.HasData() || msg.Decode(&payload) != nil || len(payload.Data) == 0 {
			m.cache.Clear(t)
			logger.Debug("Invalidated section")
			return
		}
		if m.cache.Apply(t, payload.Data, time.UnixMilli(payload.FetchedAt)) {
			logger.Debug("Applied section from broadcast")
		}
		return
	}

	switch msg.Type {
	case broadcast.SettingsChanged:
		m.client.Invalidate()
		m.forget()
		logger.Info("Settings changed in another tab")

	case broadcast.CacheCleared:
		m.cache.ClearAll()

	case broadcast.BackgroundSyncComplete:
		var payload broadcast.SyncCompletePayload
		if err := msg.Decode(&payload); err != nil || payload.Snapshot == nil {
			m.cache.ClearAll()
			return
		}
		at := time.UnixMilli(payload.FetchedAt)
		for _, t := range payload.Snapshot.Present() {
			raw, err := json.Marshal(payload.Snapshot.Section(t))
			if err != nil {
				m.cache.Clear(t)
				continue
			}
			m.cache.Apply(t, raw, at)
		}

	case broadcast.BackgroundSyncError:
		var payload broadcast.SyncErrorPayload
		_ = msg.Decode(&payload)
		logger.WithField("error", payload.Error).Debug("Background sync failed in another tab")

	case broadcast.ConflictsDetected:
		var payload broadcast.ConflictsPayload
		_ = msg.Decode(&payload)
		logger.WithField("count", payload.Count).Info("Conflicts detected in another tab")
	}
}
