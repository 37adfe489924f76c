package reducer

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

const testEntity = "ent_0123456789abcdef0123456789abcdef"

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func schemaWith(policy ir.MergePolicy) ir.SchemaDefinition {
	return ir.SchemaDefinition{
		EntityType: "contact",
		Version:    3,
		Fields:     []ir.FieldDef{{Name: "name", Type: ir.FieldAny, Policy: policy}},
	}
}

type obsSpec struct {
	id          string
	value       ir.Value
	sec         int
	seq         int64
	priority    int64
	specificity int64
}

func build(field string, specs ...obsSpec) []ir.Observation {
	out := make([]ir.Observation, len(specs))
	for i, s := range specs {
		out[i] = ir.Observation{
			ID:               s.id,
			EntityID:         testEntity,
			EntityType:       "contact",
			Field:            field,
			Value:            s.value,
			SourcePriority:   s.priority,
			SpecificityScore: s.specificity,
			ObservedAt:       at(s.sec),
			Seq:              s.seq,
		}
	}
	return out
}

func TestMergePolicyExample(t *testing.T) {
	observations := build("name",
		obsSpec{id: "a", value: ir.String("a"), sec: 1, seq: 1, priority: 1},
		obsSpec{id: "b", value: ir.String("b"), sec: 0, seq: 2, priority: 5},
	)

	snap, err := ReduceEntity(testEntity, "contact", schemaWith(ir.HighestPriority), observations)
	require.NoError(t, err)
	assert.Equal(t, ir.String("b"), snap.Fields["name"])
	assert.Equal(t, []string{"b"}, snap.Provenance["name"])

	snap, err = ReduceEntity(testEntity, "contact", schemaWith(ir.LastWrite), observations)
	require.NoError(t, err)
	assert.Equal(t, ir.String("a"), snap.Fields["name"])
	assert.Equal(t, []string{"a"}, snap.Provenance["name"])
}

func TestTieBreaksFallBackToLastWrite(t *testing.T) {
	observations := build("name",
		obsSpec{id: "x", value: ir.String("early"), sec: 0, seq: 1, priority: 5, specificity: 80},
		obsSpec{id: "y", value: ir.String("late"), sec: 2, seq: 2, priority: 5, specificity: 80},
		obsSpec{id: "z", value: ir.String("low"), sec: 3, seq: 3, priority: 1, specificity: 10},
	)

	for _, policy := range []ir.MergePolicy{ir.HighestPriority, ir.MostSpecific} {
		snap, err := ReduceEntity(testEntity, "contact", schemaWith(policy), observations)
		require.NoError(t, err)
		assert.Equal(t, ir.String("late"), snap.Fields["name"], policy)
	}
}

func TestSequenceBreaksTimestampTies(t *testing.T) {
	observations := build("name",
		obsSpec{id: "ff", value: ir.String("first"), sec: 5, seq: 1},
		obsSpec{id: "00", value: ir.String("second"), sec: 5, seq: 2},
	)
	snap, err := ReduceEntity(testEntity, "contact", schemaWith(ir.LastWrite), observations)
	require.NoError(t, err)
	assert.Equal(t, ir.String("second"), snap.Fields["name"])
}

func TestMostSpecific(t *testing.T) {
	observations := build("name",
		obsSpec{id: "a", value: ir.String("A. Lovelace"), sec: 0, seq: 1, specificity: 90},
		obsSpec{id: "b", value: ir.String("Ada"), sec: 1, seq: 2, specificity: 40},
	)
	snap, err := ReduceEntity(testEntity, "contact", schemaWith(ir.MostSpecific), observations)
	require.NoError(t, err)
	assert.Equal(t, ir.String("A. Lovelace"), snap.Fields["name"])
}

func TestMergeArray(t *testing.T) {
	observations := build("name",
		obsSpec{id: "a", value: ir.Array{ir.String("x"), ir.String("y")}, sec: 0, seq: 1},
		obsSpec{id: "b", value: ir.String("y"), sec: 1, seq: 2},
		obsSpec{id: "c", value: ir.Array{ir.String("z"), ir.String("x")}, sec: 2, seq: 3},
	)
	snap, err := ReduceEntity(testEntity, "contact", schemaWith(ir.MergeArray), observations)
	require.NoError(t, err)
	assert.Equal(t, ir.Array{ir.String("x"), ir.String("y"), ir.String("z")}, snap.Fields["name"])
	assert.Equal(t, []string{"a", "b", "c"}, snap.Provenance["name"])
}

func TestUndeclaredFieldUsesLastWrite(t *testing.T) {
	observations := build("nickname",
		obsSpec{id: "a", value: ir.String("one"), sec: 0, seq: 1, priority: 9},
		obsSpec{id: "b", value: ir.String("two"), sec: 1, seq: 2, priority: 1},
	)
	snap, err := ReduceEntity(testEntity, "contact", schemaWith(ir.HighestPriority), observations)
	require.NoError(t, err)
	assert.Equal(t, ir.String("two"), snap.Fields["nickname"])
}

func TestSnapshotMetadata(t *testing.T) {
	observations := append(
		build("name", obsSpec{id: "a", value: ir.String("Ada"), sec: 3, seq: 7}),
		build("role", obsSpec{id: "b", value: ir.String("Engineer"), sec: 1, seq: 9})...,
	)
	snap, err := ReduceEntity(testEntity, "contact", schemaWith(ir.LastWrite), observations)
	require.NoError(t, err)

	assert.Equal(t, testEntity, snap.EntityID)
	assert.Equal(t, 3, snap.SchemaVersion)
	assert.Equal(t, []string{"b", "a"}, snap.ContributingObservationIDs)
	assert.Equal(t, at(3), snap.ComputedAt, "computed_at is the latest observed_at")
	assert.Equal(t, int64(9), snap.LastSeq)
	assert.NotEmpty(t, snap.Hash)
}

func TestReduceDeterministic(t *testing.T) {
	var observations []ir.Observation
	observations = append(observations, build("name",
		obsSpec{id: "n1", value: ir.String("Ada"), sec: 0, seq: 1},
		obsSpec{id: "n2", value: ir.String("Ada Lovelace"), sec: 4, seq: 5},
	)...)
	observations = append(observations, build("tags",
		obsSpec{id: "t1", value: ir.Array{ir.String("math")}, sec: 1, seq: 2},
		obsSpec{id: "t2", value: ir.Array{ir.String("poetry")}, sec: 2, seq: 3},
	)...)
	def := ir.SchemaDefinition{
		EntityType: "contact",
		Version:    1,
		Fields: []ir.FieldDef{
			{Name: "name", Type: ir.FieldString, Policy: ir.LastWrite},
			{Name: "tags", Type: ir.FieldArray, Policy: ir.MergeArray},
		},
	}

	want, err := ReduceEntity(testEntity, "contact", def, observations)
	require.NoError(t, err)
	wantBytes := ir.MustMarshalCanonical(want.Body())

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		shuffled := append([]ir.Observation(nil), observations...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := ReduceEntity(testEntity, "contact", def, shuffled)
		require.NoError(t, err)
		assert.Equal(t, want.Hash, got.Hash)
		assert.Equal(t, wantBytes, ir.MustMarshalCanonical(got.Body()))
	}
}

func TestReduceRejectsForeignObservation(t *testing.T) {
	observations := build("name", obsSpec{id: "a", value: ir.String("Ada")})
	observations[0].EntityID = "ent_other"
	_, err := ReduceEntity(testEntity, "contact", schemaWith(ir.LastWrite), observations)
	assert.Error(t, err)
}

func TestCheckProvenance(t *testing.T) {
	fields := ir.Object{"name": ir.String("Ada")}

	err := checkProvenance(testEntity, fields, map[string][]string{}, nil)
	var perr *ProvenanceIntegrityError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "name", perr.Field)

	err = checkProvenance(testEntity, fields, map[string][]string{"name": {"ghost"}}, []string{"real"})
	require.True(t, errors.As(err, &perr))

	assert.NoError(t, checkProvenance(testEntity, fields, map[string][]string{"name": {"real"}}, []string{"real"}))
}
