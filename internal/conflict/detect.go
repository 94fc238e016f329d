// Package conflict compares local and remote snapshots and resolves divergences.
package conflict

import (
	"sort"

	"github.com/TheMichaelB/whsync/internal/models"
)

// Detect compares every section present in local against remote. Sections
// missing locally have no baseline and are skipped; sections missing
// remotely compare as empty.
func Detect(local, remote *models.Snapshot) []models.Conflict {
	if local == nil {
		return nil
	}
	if remote == nil {
		remote = &models.Snapshot{}
	}

	var out []models.Conflict
	for _, t := range models.AllEntityTypes() {
		if !local.Has(t) {
			continue
		}
		out = append(out, DetectType(t, local, remote)...)
	}
	return out
}

// DetectType compares one section.
func DetectType(t models.EntityType, local, remote *models.Snapshot) []models.Conflict {
	switch {
	case t.IsList():
		return DetectArchive(local.Archive, remote.Archive)
	case t.IsSingleton():
		return DetectSingleton(t, local.Singleton(t), remote.Singleton(t))
	default:
		return DetectMap(t, local.Map(t), remote.Map(t))
	}
}

// DetectMap classifies every key of local and remote. Keys are visited in
// sorted order so results are stable.
func DetectMap(t models.EntityType, local, remote models.RecordMap) []models.Conflict {
	local = local.Normalize()
	remote = remote.Normalize()

	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var out []models.Conflict
	for _, key := range sorted {
		l, inLocal := local[key]
		r, inRemote := remote[key]
		if c, ok := compare(t, key, l, inLocal, r, inRemote); ok {
			out = append(out, c)
		}
	}
	return out
}

// DetectSingleton treats a singleton as a map with one key named after
// its section.
func DetectSingleton(t models.EntityType, local, remote models.Record) []models.Conflict {
	c, ok := compare(t, string(t), local, local != nil, remote, remote != nil)
	if !ok {
		return nil
	}
	return []models.Conflict{c}
}

func compare(t models.EntityType, key string, l models.Record, inLocal bool, r models.Record, inRemote bool) (models.Conflict, bool) {
	c := models.Conflict{Key: key, DataType: t}

	switch {
	case inLocal && inRemote:
		if models.SameContent(l, r) {
			return c, false
		}
		lt, rt := l.UpdatedAt(), r.UpdatedAt()
		if lt == rt {
			return c, false
		}
		c.Type = models.ConflictModified
		c.Local, c.Remote = l, r
		c.LocalTime, c.RemoteTime = lt, rt
	case inLocal:
		c.Type = models.ConflictDeletedRemote
		c.Local = l
		c.LocalTime = l.UpdatedAt()
	case inRemote:
		c.Type = models.ConflictAddedRemote
		c.Remote = r
		c.RemoteTime = r.UpdatedAt()
	default:
		return c, false
	}
	return c, true
}

// DetectArchive yields one archive_diverged conflict when the id sets of
// the two lists differ.
func DetectArchive(local, remote []models.Record) []models.Conflict {
	localIDs := archiveIDs(local)
	remoteIDs := archiveIDs(remote)

	var localOnly, remoteOnly []string
	for _, id := range localIDs.order {
		if !remoteIDs.set[id] {
			localOnly = append(localOnly, id)
		}
	}
	for _, id := range remoteIDs.order {
		if !localIDs.set[id] {
			remoteOnly = append(remoteOnly, id)
		}
	}

	if len(localOnly) == 0 && len(remoteOnly) == 0 {
		return nil
	}

	return []models.Conflict{{
		Key:        string(models.EntityArchive),
		Type:       models.ConflictArchiveDiverged,
		DataType:   models.EntityArchive,
		Local:      local,
		Remote:     remote,
		LocalTime:  latest(local),
		RemoteTime: latest(remote),
		LocalOnly:  localOnly,
		RemoteOnly: remoteOnly,
	}}
}

type idSet struct {
	order []string
	set   map[string]bool
}

func archiveIDs(list []models.Record) idSet {
	s := idSet{set: make(map[string]bool, len(list))}
	for _, entry := range list {
		id := EntryID(entry)
		if s.set[id] {
			continue
		}
		s.set[id] = true
		s.order = append(s.order, id)
	}
	return s
}

// EntryID falls back to a content fingerprint for entries with neither
// id nor date.
func EntryID(r models.Record) string {
	if id := r.ArchiveID(); id != "" {
		return id
	}
	return "sha:" + r.Fingerprint()
}

func latest(list []models.Record) int64 {
	var max int64
	for _, r := range list {
		if ts := r.UpdatedAt(); ts > max {
			max = ts
		}
	}
	return max
}
