package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaDefinitionFieldLookup(t *testing.T) {
	def := SchemaDefinition{
		EntityType: "contact",
		Fields: []FieldDef{
			{Name: "role", Type: FieldString},
			{Name: "email", Type: FieldString},
			{Name: "name", Type: FieldString, Policy: HighestPriority},
		},
	}
	def.SortFields()

	assert.Equal(t, "email", def.Fields[0].Name)
	f, ok := def.Field("name")
	require.True(t, ok)
	assert.Equal(t, HighestPriority, f.Policy)

	_, ok = def.Field("phone")
	assert.False(t, ok)
}

func TestValidEnums(t *testing.T) {
	assert.True(t, ValidMergePolicies[MergeArray])
	assert.False(t, ValidMergePolicies["first_write"])
	assert.True(t, ValidFieldTypes[FieldDate])
	assert.False(t, ValidFieldTypes["float"])
}

func TestEntitySnapshotBodyExcludesSeqAndHash(t *testing.T) {
	snap := EntitySnapshot{
		EntityID:                   "ent_1",
		EntityType:                 "contact",
		SchemaVersion:              1,
		Fields:                     Object{"name": String("Ada")},
		Provenance:                 map[string][]string{"name": {"obs-1"}},
		ContributingObservationIDs: []string{"obs-1"},
		ComputedAt:                 time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		LastSeq:                    7,
	}

	body := snap.Body()
	_, hasSeq := body["last_seq"]
	_, hasHash := body["hash"]
	assert.False(t, hasSeq)
	assert.False(t, hasHash)

	other := snap
	other.LastSeq = 99
	assert.Equal(t, MustMarshalCanonical(snap.Body()), MustMarshalCanonical(other.Body()))
	assert.Equal(t, `{"computed_at":"2024-01-02T03:04:05.000000000Z","contributing_observation_ids":["obs-1"],"entity_id":"ent_1","entity_type":"contact","fields":{"name":"Ada"},"provenance":{"name":["obs-1"]},"schema_version":1}`,
		string(MustMarshalCanonical(body)))
}

func TestRelationshipSnapshotBodyNilMetadata(t *testing.T) {
	snap := RelationshipSnapshot{ID: "rel_1", RelationshipType: "PART_OF"}
	body := snap.Body()
	assert.Equal(t, Object{}, body["metadata"])
	assert.Equal(t, Array{}, body["contributing_observation_ids"])
}

func TestObservationJSONShape(t *testing.T) {
	obs := Observation{
		ID:         "obs-1",
		EntityID:   "ent_1",
		EntityType: "contact",
		Field:      "name",
		Value:      String("Ada"),
		SourceID:   "src-1",
		Kind:       KindStructured,
		ObservedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(obs)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "Ada", m["value"])
	assert.Equal(t, "structured", m["kind"])
	assert.NotContains(t, m, "interpretation_run_id", "structured input has no run")
}

func TestFormatTimeFixedWidth(t *testing.T) {
	a := FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 5, time.UTC))
	b := FormatTime(time.Date(2024, 1, 1, 0, 0, 1, 0, time.FixedZone("X", 3600)))

	assert.Len(t, a, len(TimeLayout))
	assert.Len(t, b, len(TimeLayout))
	assert.Less(t, b, a, "lexical order follows chronological order across zones")
	assert.Equal(t, "", FormatTime(time.Time{}))
}

func TestParseTimeRoundTrip(t *testing.T) {
	orig := time.Date(2024, 2, 29, 23, 59, 59, 123456789, time.UTC)
	parsed, err := ParseTime(FormatTime(orig))
	require.NoError(t, err)
	assert.True(t, orig.Equal(parsed))

	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}
