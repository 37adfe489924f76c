package relationship

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

func TestVocabulary(t *testing.T) {
	for _, typ := range []string{PartOf, Corrects, RefersTo, Settles, DuplicateOf, DependsOn, Supersedes, Embeds} {
		assert.True(t, ValidType(typ), typ)
	}
	assert.False(t, ValidType("LIKES"))
	assert.False(t, ValidType("part_of"))
	assert.Len(t, Types(), 8)
}

func TestKeyID(t *testing.T) {
	k := Key{Type: PartOf, SourceEntityID: "ent_a", TargetEntityID: "ent_b"}
	assert.Equal(t, k.ID(), Key{Type: PartOf, SourceEntityID: "ent_a", TargetEntityID: "ent_b"}.ID())
	assert.Regexp(t, `^rel_[0-9a-f]{32}$`, k.ID())

	reversed := Key{Type: PartOf, SourceEntityID: "ent_b", TargetEntityID: "ent_a"}
	assert.NotEqual(t, k.ID(), reversed.ID(), "edges are directed")
}

func TestKeyValidate(t *testing.T) {
	err := Key{Type: "LIKES", SourceEntityID: "ent_a", TargetEntityID: "ent_b"}.Validate()
	assert.True(t, errors.Is(err, ErrUnknownType))

	err = Key{Type: PartOf, SourceEntityID: "ent_a", TargetEntityID: "ent_a"}.Validate()
	assert.True(t, errors.Is(err, ErrSelfEdge))

	assert.Error(t, Key{Type: PartOf, SourceEntityID: "ent_a"}.Validate())
}

func TestNewObservation(t *testing.T) {
	k := Key{Type: Settles, SourceEntityID: "ent_payment", TargetEntityID: "ent_invoice"}
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	created, err := NewObservation(k, "src1", false, nil, when)
	require.NoError(t, err)
	assert.Equal(t, k.ID(), created.RelationshipID)
	assert.Equal(t, ir.Object{}, created.Metadata)
	assert.Equal(t, time.UTC, created.ObservedAt.Location())

	deleted, err := NewObservation(k, "src2", true, nil, when)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, deleted.ID)

	_, err = NewObservation(Key{Type: "NOPE", SourceEntityID: "a", TargetEntityID: "b"}, "src", false, nil, when)
	assert.Error(t, err)
}
