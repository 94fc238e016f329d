package projects

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/TheMichaelB/whsync/internal/conflict"
	"github.com/TheMichaelB/whsync/internal/github"
	"github.com/TheMichaelB/whsync/internal/models"
)

// Project fields created on first save.
const (
	FieldDataType  = "Data Type"
	FieldEntityKey = "Entity Key"
	FieldUpdatedAt = "Updated At"
)

// RequiredFields lists the text fields every item carries.
func RequiredFields() []string {
	return []string{FieldDataType, FieldEntityKey, FieldUpdatedAt}
}

// itemBody is the JSON stored in a draft issue body. One item holds one
// entity; archive entries keep their position in Index.
type itemBody struct {
	DataType models.EntityType `json:"dataType"`
	Key      string            `json:"key"`
	Index    int               `json:"index,omitempty"`
	Data     models.Record     `json:"data"`
}

// itemRef locates the remote copy of one entity.
type itemRef struct {
	ItemID  string
	DraftID string
	Index   int
	Record  models.Record
}

// index maps entity type and normalized key to the remote item.
type index map[models.EntityType]map[string]itemRef

func (ix index) get(t models.EntityType, key string) (itemRef, bool) {
	ref, ok := ix[t][key]
	return ref, ok
}

func (ix index) put(t models.EntityType, key string, ref itemRef) {
	if ix[t] == nil {
		ix[t] = make(map[string]itemRef)
	}
	ix[t][key] = ref
}

func (ix index) remove(t models.EntityType, key string) {
	delete(ix[t], key)
}

func itemTitle(t models.EntityType, key string) string {
	return string(t) + ":" + key
}

func encodeBody(t models.EntityType, key string, pos int, rec models.Record) (string, error) {
	data, err := json.Marshal(itemBody{DataType: t, Key: key, Index: pos, Data: rec})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", itemTitle(t, key), err)
	}
	return string(data), nil
}

// decodeItem parses an item created by this package. Foreign items
// report false.
func decodeItem(it github.Item) (itemBody, bool) {
	var body itemBody
	if err := json.Unmarshal([]byte(strings.TrimSpace(it.Body)), &body); err != nil {
		return body, false
	}
	if !body.DataType.IsValid() || body.Key == "" || body.Data == nil {
		return body, false
	}
	if !body.DataType.IsList() {
		body.Key = models.NormalizeKey(body.Key)
	}
	return body, true
}

// buildSnapshot decodes every section from a listing. Map sections are
// always present; singletons are absent when no item holds them.
func buildSnapshot(items []github.Item) (*models.Snapshot, index, int) {
	snap := &models.Snapshot{
		Materials: models.RecordMap{},
		Archive:   []models.Record{},
		Groups:    models.RecordMap{},
		Notes:     models.RecordMap{},
	}
	ix := make(index)
	skipped := 0

	type archived struct {
		pos int
		rec models.Record
	}
	var archive []archived

	for _, it := range items {
		body, ok := decodeItem(it)
		if !ok {
			skipped++
			continue
		}

		// Duplicate keys keep the newer record
		if prev, exists := ix.get(body.DataType, body.Key); exists && prev.Record.UpdatedAt() > body.Data.UpdatedAt() {
			skipped++
			continue
		}

		ix.put(body.DataType, body.Key, itemRef{
			ItemID:  it.ID,
			DraftID: it.DraftID,
			Index:   body.Index,
			Record:  body.Data,
		})

		switch t := body.DataType; {
		case t.IsList():
			archive = append(archive, archived{pos: body.Index, rec: body.Data})
		case t.IsSingleton():
			snap.SetSingleton(t, body.Data)
		default:
			snap.Map(t)[body.Key] = body.Data
		}
	}

	sort.SliceStable(archive, func(i, j int) bool { return archive[i].pos < archive[j].pos })
	seen := make(map[string]bool, len(archive))
	for _, a := range archive {
		id := conflict.EntryID(a.rec)
		if seen[id] {
			continue
		}
		seen[id] = true
		snap.Archive = append(snap.Archive, a.rec)
	}

	return snap, ix, skipped
}

// desired is one entity a save wants to exist remotely.
type desired struct {
	key    string
	pos    int
	record models.Record
}

// flatten turns a section value into the entities it consists of.
func flatten(t models.EntityType, value interface{}) ([]desired, error) {
	switch {
	case t.IsList():
		list, err := toList(value)
		if err != nil {
			return nil, err
		}
		out := make([]desired, 0, len(list))
		seen := make(map[string]bool, len(list))
		for i, rec := range list {
			id := conflict.EntryID(rec)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, desired{key: id, pos: i, record: rec})
		}
		return out, nil

	case t.IsSingleton():
		rec, err := toRecord(value)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		return []desired{{key: string(t), record: rec}}, nil

	case t.IsValid():
		m, err := toMap(value)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]desired, 0, len(m))
		for _, k := range keys {
			if m[k] == nil {
				continue
			}
			out = append(out, desired{key: k, record: m[k]})
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}

func toMap(value interface{}) (models.RecordMap, error) {
	switch v := value.(type) {
	case nil:
		return models.RecordMap{}, nil
	case models.RecordMap:
		return v.Normalize(), nil
	}
	var m models.RecordMap
	if err := roundTrip(value, &m); err != nil {
		return nil, err
	}
	return m.Normalize(), nil
}

func toList(value interface{}) ([]models.Record, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []models.Record:
		return v, nil
	}
	var list []models.Record
	err := roundTrip(value, &list)
	return list, err
}

func toRecord(value interface{}) (models.Record, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case models.Record:
		return v, nil
	}
	var rec models.Record
	err := roundTrip(value, &rec)
	return rec, err
}

func roundTrip(in, out interface{}) error {
	var data []byte
	if raw, ok := in.(json.RawMessage); ok {
		data = raw
	} else {
		var err error
		if data, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode section: %w", err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode section: %w", err)
	}
	return nil
}
