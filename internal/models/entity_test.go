package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/whsync/internal/models"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC).UnixMilli()

	tests := []struct {
		name string
		in   any
		want int64
	}{
		{"rfc3339", "2024-05-01T08:30:00.000Z", want},
		{"rfc3339 offset", "2024-05-01T10:30:00+02:00", want},
		{"unix ms number", float64(want), want},
		{"unix ms string", "1714552200000", want},
		{"missing", nil, 0},
		{"empty", "", 0},
		{"garbage", "yesterday", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.ParseTimestamp(tt.in))
		})
	}
}

func TestRecordTouch(t *testing.T) {
	rec := models.Record{"code": "M1"}
	now := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	rec.Touch(now)

	assert.Equal(t, "2024-05-01T08:30:00.000Z", rec[models.UpdatedAtField])
	assert.Equal(t, now.UnixMilli(), rec.UpdatedAt())
}

func TestRecordContentIgnoresTimestamp(t *testing.T) {
	a := models.Record{"code": "M1", "capacity": 10.0, "updatedAt": "2024-01-01T00:00:00.000Z"}
	b := models.Record{"capacity": 10.0, "code": "M1", "updatedAt": "2024-02-01T00:00:00.000Z"}
	c := models.Record{"code": "M1", "capacity": 12.0}

	assert.True(t, models.SameContent(a, b))
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.False(t, models.SameContent(a, c))
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestArchiveID(t *testing.T) {
	assert.Equal(t, "r-1", models.Record{"id": "r-1", "date": "2024-01-01"}.ArchiveID())
	assert.Equal(t, "2024-01-01", models.Record{"date": "2024-01-01"}.ArchiveID())
	assert.Equal(t, "1714552200000", models.Record{"id": float64(1714552200000)}.ArchiveID())
	assert.Equal(t, "", models.Record{"name": "x"}.ArchiveID())
}

func TestRecordMapNormalize(t *testing.T) {
	composed := "Lager-\u00c4"
	decomposed := "Lager-A\u0308"

	m := models.RecordMap{
		decomposed: {"code": decomposed, "updatedAt": float64(1)},
		composed:   {"code": composed, "updatedAt": float64(2)},
	}

	out := m.Normalize()

	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[composed].UpdatedAt())
}

func TestRecordConversion(t *testing.T) {
	mat := models.Material{Code: "M1", Capacity: 10, CurrentStock: 7.5}

	rec, err := models.ToRecord(mat)
	require.NoError(t, err)
	assert.Equal(t, "M1", rec["code"])
	assert.Equal(t, 10.0, rec["capacity"])

	back, err := models.FromRecord[models.Material](rec)
	require.NoError(t, err)
	assert.Equal(t, mat, back)
	assert.InDelta(t, 0.75, back.Utilization(), 1e-9)
}

func TestSnapshotSections(t *testing.T) {
	var snap models.Snapshot
	require.NoError(t, snap.SetSection(models.EntityMaterials, json.RawMessage(`{"M1":{"code":"M1"}}`)))
	require.NoError(t, snap.SetSection(models.EntityArchive, json.RawMessage(`[]`)))
	require.NoError(t, snap.SetSection(models.EntityAlertRules, json.RawMessage(`{"threshold":0.9}`)))

	assert.Equal(t, []models.EntityType{models.EntityMaterials, models.EntityArchive, models.EntityAlertRules}, snap.Present())
	assert.Equal(t, 1, snap.Counts()[models.EntityMaterials])
	assert.Equal(t, 0, snap.Counts()[models.EntityArchive])
	assert.Nil(t, snap.Section(models.EntityNotes))
	assert.Error(t, snap.SetSection("bogus", json.RawMessage(`{}`)))
}

func TestSnapshotNullSectionsAreAbsent(t *testing.T) {
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal([]byte(`{"materials":{},"groups":null}`), &snap))

	assert.True(t, snap.Has(models.EntityMaterials))
	assert.False(t, snap.Has(models.EntityGroups))
	assert.False(t, snap.Has(models.EntityArchive))

	for _, typ := range []models.EntityType{models.EntityMaterials, models.EntityArchive, models.EntityAlertRules} {
		require.NoError(t, snap.SetSection(typ, json.RawMessage(`null`)))
		assert.False(t, snap.Has(typ), typ)
	}
	assert.Empty(t, snap.Present())
}

func TestStrategy(t *testing.T) {
	for _, s := range models.AllStrategies() {
		assert.True(t, s.IsValid(), s)
		assert.NotEqual(t, "Unknown strategy", s.Description())
	}
	assert.False(t, models.Strategy("newest").IsValid())
}
