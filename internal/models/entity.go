package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// EntityType names one synchronized data section.
type EntityType string

const (
	EntityMaterials           EntityType = "materials"
	EntityArchive             EntityType = "archive"
	EntityGroups              EntityType = "groups"
	EntityNotes               EntityType = "notes"
	EntityAlertRules          EntityType = "alertRules"
	EntityStorageTypeSettings EntityType = "storageTypeSettings"
)

// AllEntityTypes lists every section in load order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityMaterials,
		EntityArchive,
		EntityGroups,
		EntityNotes,
		EntityAlertRules,
		EntityStorageTypeSettings,
	}
}

// IsValid returns true if the entity type is recognized.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityMaterials, EntityArchive, EntityGroups, EntityNotes, EntityAlertRules, EntityStorageTypeSettings:
		return true
	}
	return false
}

// IsSingleton reports whether the section holds one object.
func (t EntityType) IsSingleton() bool {
	return t == EntityAlertRules || t == EntityStorageTypeSettings
}

// IsList reports whether the section is an ordered list.
func (t EntityType) IsList() bool {
	return t == EntityArchive
}

// UpdatedAtField is the timestamp carried by every record.
const UpdatedAtField = "updatedAt"

// timestampLayout matches what browsers emit for Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is one entity instance as free-form JSON.
type Record map[string]any

// UpdatedAt returns the record timestamp in unix milliseconds. Missing or
// unparsable timestamps are epoch zero.
func (r Record) UpdatedAt() int64 {
	if r == nil {
		return 0
	}
	return ParseTimestamp(r[UpdatedAtField])
}

// Touch refreshes updatedAt.
func (r Record) Touch(now time.Time) {
	r[UpdatedAtField] = now.UTC().Format(timestampLayout)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return r
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return r
	}
	return out
}

// Content is the canonical encoding of the record without updatedAt.
// Object keys are sorted by encoding/json.
func (r Record) Content() []byte {
	if r == nil {
		return []byte("null")
	}
	stripped := make(map[string]any, len(r))
	for k, v := range r {
		if k == UpdatedAtField {
			continue
		}
		stripped[k] = v
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return []byte(fmt.Sprintf("%v", stripped))
	}
	return data
}

// Fingerprint hashes Content.
func (r Record) Fingerprint() string {
	sum := blake2b.Sum256(r.Content())
	return hex.EncodeToString(sum[:16])
}

// SameContent compares two records ignoring timestamps.
func SameContent(a, b Record) bool {
	return string(a.Content()) == string(b.Content())
}

// ArchiveID identifies an archived report by its id, falling back to date.
func (r Record) ArchiveID() string {
	for _, field := range []string{"id", "date"} {
		switch v := r[field].(type) {
		case nil:
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// ParseTimestamp accepts RFC 3339 strings and unix milliseconds.
func ParseTimestamp(v any) int64 {
	switch t := v.(type) {
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UnixMilli()
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return ms
		}
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return ms
		}
	case time.Time:
		return t.UnixMilli()
	}
	return 0
}

// NormalizeKey folds a map key to NFC so composed and decomposed
// spellings of one material code collide.
func NormalizeKey(key string) string {
	return norm.NFC.String(key)
}

// RecordMap is a map-shaped section keyed by normalized keys.
type RecordMap map[string]Record

// Normalize rekeys m in NFC. Later duplicates win by updatedAt.
func (m RecordMap) Normalize() RecordMap {
	if m == nil {
		return nil
	}
	out := make(RecordMap, len(m))
	for k, v := range m {
		nk := NormalizeKey(k)
		if prev, ok := out[nk]; ok && prev.UpdatedAt() > v.UpdatedAt() {
			continue
		}
		out[nk] = v
	}
	return out
}

// Clone deep-copies every record.
func (m RecordMap) Clone() RecordMap {
	if m == nil {
		return nil
	}
	out := make(RecordMap, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// ToRecord converts a typed entity into a Record.
func ToRecord(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// FromRecord decodes a Record into a typed entity.
func FromRecord[T any](r Record) (T, error) {
	var out T
	data, err := json.Marshal(r)
	if err != nil {
		return out, fmt.Errorf("marshal record: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal record: %w", err)
	}
	return out, nil
}

// Material is a tracked storage location.
type Material struct {
	Code         string  `json:"code"`
	Name         string  `json:"name,omitempty"`
	Capacity     float64 `json:"capacity"`
	CurrentStock float64 `json:"currentStock,omitempty"`
	StorageType  string  `json:"storageType,omitempty"`
	GroupID      string  `json:"groupId,omitempty"`
	UpdatedAt    string  `json:"updatedAt,omitempty"`
}

// Utilization is stock over capacity, zero when capacity is unset.
func (m Material) Utilization() float64 {
	if m.Capacity <= 0 {
		return 0
	}
	return m.CurrentStock / m.Capacity
}
