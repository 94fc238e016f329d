package conflict

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TheMichaelB/whsync/internal/models"
)

// Resolution is the outcome for one conflict. A nil Value removes the key
// (or empties the section) in the resolved state.
type Resolution struct {
	Conflict models.Conflict
	Strategy models.Strategy
	Value    any
}

// Removes reports whether the resolution deletes the entity.
func (r Resolution) Removes() bool {
	return r.Value == nil
}

// Resolve applies an automatic strategy to c.
func Resolve(c models.Conflict, s models.Strategy) (Resolution, error) {
	res := Resolution{Conflict: c, Strategy: s}

	switch s {
	case models.StrategyLocalWins, models.StrategyRemoteWins, models.StrategyMerge:
	case models.StrategyManual:
		return res, fmt.Errorf("manual strategy cannot resolve automatically")
	default:
		return res, fmt.Errorf("invalid conflict strategy: %s", s)
	}

	switch c.Type {
	case models.ConflictAddedRemote:
		if s != models.StrategyLocalWins {
			res.Value = c.Remote
		}
	case models.ConflictDeletedRemote:
		if s == models.StrategyLocalWins {
			res.Value = c.Local
		}
	case models.ConflictModified:
		switch s {
		case models.StrategyLocalWins:
			res.Value = c.Local
		case models.StrategyRemoteWins:
			res.Value = c.Remote
		default:
			// Ties go to remote
			if c.LocalTime > c.RemoteTime {
				res.Value = c.Local
			} else {
				res.Value = c.Remote
			}
		}
	case models.ConflictArchiveDiverged:
		local, _ := c.Local.([]models.Record)
		remote, _ := c.Remote.([]models.Record)
		switch s {
		case models.StrategyLocalWins:
			res.Value = nonNil(local)
		case models.StrategyRemoteWins:
			res.Value = nonNil(remote)
		default:
			res.Value = MergeArchive(local, remote)
		}
	default:
		return res, fmt.Errorf("unknown conflict type %q", c.Type)
	}

	return res, nil
}

// Custom resolves c with caller supplied data. Nil data removes the entity.
func Custom(c models.Conflict, data any) Resolution {
	return Resolution{Conflict: c, Strategy: models.StrategyManual, Value: data}
}

// MergeArchive returns the union of both lists by entry id, local entries
// first, each id once.
func MergeArchive(local, remote []models.Record) []models.Record {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]models.Record, 0, len(local)+len(remote))

	for _, list := range [][]models.Record{local, remote} {
		for _, entry := range list {
			id := EntryID(entry)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, entry)
		}
	}
	return out
}

func nonNil(list []models.Record) []models.Record {
	if list == nil {
		return []models.Record{}
	}
	return list
}

// Apply writes resolutions into snap and returns the sections touched.
func Apply(snap *models.Snapshot, resolutions []Resolution) ([]models.EntityType, error) {
	touched := make(map[models.EntityType]bool)
	var order []models.EntityType

	for _, res := range resolutions {
		t := res.Conflict.DataType
		if err := applyOne(snap, res); err != nil {
			return order, err
		}
		if !touched[t] {
			touched[t] = true
			order = append(order, t)
		}
	}
	return order, nil
}

func applyOne(snap *models.Snapshot, res Resolution) error {
	t := res.Conflict.DataType

	switch {
	case t.IsList():
		if res.Value == nil {
			snap.Archive = []models.Record{}
			return nil
		}
		list, err := asList(res.Value)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", t, err)
		}
		snap.Archive = list
	case t.IsSingleton():
		if res.Value == nil {
			snap.SetSingleton(t, nil)
			return nil
		}
		rec, err := asRecord(res.Value)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", t, err)
		}
		snap.SetSingleton(t, rec)
	case t.IsValid():
		m := snap.Map(t)
		if m == nil {
			m = models.RecordMap{}
			snap.SetMap(t, m)
		}
		key := models.NormalizeKey(res.Conflict.Key)
		if res.Value == nil {
			delete(m, key)
			return nil
		}
		rec, err := asRecord(res.Value)
		if err != nil {
			return fmt.Errorf("resolve %s/%s: %w", t, key, err)
		}
		if rec == nil {
			delete(m, key)
			return nil
		}
		m[key] = rec
	default:
		return fmt.Errorf("unknown entity type %q", t)
	}
	return nil
}

// asRecord accepts a Record or any JSON-shaped object from custom input.
func asRecord(v any) (models.Record, error) {
	switch r := v.(type) {
	case models.Record:
		return r, nil
	case map[string]any:
		return models.Record(r), nil
	}
	return models.ToRecord(v)
}

func asList(v any) ([]models.Record, error) {
	if list, ok := v.([]models.Record); ok {
		return list, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal archive: %w", err)
	}
	var list []models.Record
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("archive must be a list of objects: %w", err)
	}
	return nonNil(list), nil
}

// Resolver applies the configured strategy and holds the manual queue.
type Resolver struct {
	mu       sync.Mutex
	strategy models.Strategy
	pending  []models.Conflict
}

// NewResolver creates a resolver. Unknown strategies fall back to merge.
func NewResolver(strategy models.Strategy) *Resolver {
	if !strategy.IsValid() {
		strategy = models.StrategyMerge
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the active strategy.
func (r *Resolver) Strategy() models.Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// SetStrategy changes the strategy for future cycles.
func (r *Resolver) SetStrategy(s models.Strategy) error {
	if !s.IsValid() {
		return fmt.Errorf("invalid conflict strategy: %s", s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
	return nil
}

// Process auto-resolves conflicts, or queues all of them under the manual
// strategy. A conflict for a key already queued replaces the queued one.
func (r *Resolver) Process(conflicts []models.Conflict) ([]Resolution, models.ConflictCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := models.ConflictCounts{Total: len(conflicts)}

	if r.strategy == models.StrategyManual {
		for _, c := range conflicts {
			r.enqueue(c)
		}
		counts.Pending = len(r.pending)
		return nil, counts, nil
	}

	resolutions := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		res, err := Resolve(c, r.strategy)
		if err != nil {
			return nil, counts, err
		}
		resolutions = append(resolutions, res)
	}
	counts.AutoResolved = len(resolutions)
	counts.Pending = len(r.pending)
	return resolutions, counts, nil
}

func (r *Resolver) enqueue(c models.Conflict) {
	for i, p := range r.pending {
		if p.DataType == c.DataType && p.Key == c.Key {
			r.pending[i] = c
			return
		}
	}
	r.pending = append(r.pending, c)
}

// Pending returns a copy of the manual queue.
func (r *Resolver) Pending() []models.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Conflict(nil), r.pending...)
}

// Take removes and returns the queued conflict at index.
func (r *Resolver) Take(index int) (models.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.pending) {
		return models.Conflict{}, fmt.Errorf("%w: %d (queue has %d)", models.ErrInvalidConflictIndex, index, len(r.pending))
	}

	c := r.pending[index]
	r.pending = append(r.pending[:index], r.pending[index+1:]...)
	return c, nil
}

// Requeue puts a conflict back at index after a failed resolution.
func (r *Resolver) Requeue(index int, c models.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index > len(r.pending) {
		index = len(r.pending)
	}
	r.pending = append(r.pending, models.Conflict{})
	copy(r.pending[index+1:], r.pending[index:])
	r.pending[index] = c
}

// Clear empties the manual queue.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
}
