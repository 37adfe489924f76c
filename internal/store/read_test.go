package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

func TestGet_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetSource(ctx, "missing")
	assert.True(t, IsNotFound(err))
	assert.True(t, errors.Is(err, sql.ErrNoRows), "ErrNotFound wraps sql.ErrNoRows")

	_, err = s.GetSnapshot(ctx, "ent_missing")
	assert.True(t, IsNotFound(err))

	_, err = s.GetObservation(ctx, "missing")
	assert.True(t, IsNotFound(err))

	_, err = s.GetRelationshipSnapshot(ctx, "rel_missing")
	assert.True(t, IsNotFound(err))

	_, err = s.GetIdempotencyRecord(ctx, "c", "k")
	assert.True(t, IsNotFound(err))
}

func TestList_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	obs, err := s.ListObservations(ctx, "ent_missing")
	require.NoError(t, err)
	assert.NotNil(t, obs)
	assert.Empty(t, obs)

	ids, err := s.ListEntityIDs(ctx)
	require.NoError(t, err)
	assert.NotNil(t, ids)

	events, err := s.ListTimeline(ctx, TimelineFilter{})
	require.NoError(t, err)
	assert.NotNil(t, events)

	rels, err := s.ListRelationshipSnapshots(ctx, RelationshipFilter{EntityID: "ent_missing"})
	require.NoError(t, err)
	assert.NotNil(t, rels)
}

func TestListObservations_ObservedAtThenSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	src := createTestSource(t, s, "caller-1", "k1", []byte("a"))
	entity := testEntityID("Ada")

	// Appended out of observed_at order; the tie at testEpoch is broken by seq.
	late := createTestObservation(src.ID, entity, "role", ir.String("CTO"), testEpoch.Add(time.Hour))
	tieA := createTestObservation(src.ID, entity, "role", ir.String("Engineer"), testEpoch)
	tieB := createTestObservation(src.ID, entity, "name", ir.String("Ada"), testEpoch)

	mustUpdate(t, s, func(w Writer) error {
		for _, o := range []*ir.Observation{&late, &tieA, &tieB} {
			if _, err := w.AppendObservation(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})

	got, err := s.ListObservations(ctx, entity)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{tieA.ID, tieB.ID, late.ID}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, ir.String("Engineer"), got[0].Value)
	assert.Equal(t, "", got[0].RunID)
	assert.Equal(t, ir.KindStructured, got[0].Kind)

	bySource, err := s.ListObservationsBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, late.ID, bySource[0].ID, "by-source listing is insertion order")

	exists, err := s.EntityExists(ctx, entity)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.EntityExists(ctx, testEntityID("Grace"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestObservationValue_DecimalRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	src := createTestSource(t, s, "caller-1", "k1", []byte("a"))

	amount, err := ir.NewDecimal("12.50")
	require.NoError(t, err)
	obs := createTestObservation(src.ID, testEntityID("Ada"), "amount", amount, testEpoch)
	mustUpdate(t, s, func(w Writer) error {
		_, err := w.AppendObservation(ctx, &obs)
		return err
	})

	got, err := s.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	assert.True(t, ir.Equal(amount, got.Value), "got %v", got.Value)
}

func TestFindSourceByContent_Earliest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	data := []byte("same bytes")

	first := createTestSource(t, s, "caller-1", "k1", data)
	createTestSource(t, s, "caller-1", "k2", data)

	got, err := s.FindSourceByContent(ctx, "caller-1", ir.ContentHash(data))
	require.NoError(t, err)
	// Both share created_at; the binary id order decides.
	want := first.ID
	if other := ir.SourceID("caller-1", "k2"); other < want {
		want = other
	}
	assert.Equal(t, want, got.ID)

	_, err = s.FindSourceByContent(ctx, "caller-2", ir.ContentHash(data))
	assert.True(t, IsNotFound(err), "content reuse is per caller")
}

func TestListRelationshipSnapshots_Direction(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	a, b, c := testEntityID("A"), testEntityID("B"), testEntityID("C")

	edge := func(typ, from, to string, deleted bool) ir.RelationshipSnapshot {
		return ir.RelationshipSnapshot{
			ID:                         ir.RelationshipID(typ, from, to),
			RelationshipType:           typ,
			SourceEntityID:             from,
			TargetEntityID:             to,
			Deleted:                    deleted,
			Metadata:                   ir.Object{},
			Provenance:                 map[string][]string{"deleted": {"o1"}},
			ContributingObservationIDs: []string{"o1"},
			ComputedAt:                 testEpoch,
			LastSeq:                    1,
			Hash:                       "h",
		}
	}

	mustUpdate(t, s, func(w Writer) error {
		for _, snap := range []ir.RelationshipSnapshot{
			edge("PART_OF", a, b, false),
			edge("REFERS_TO", c, a, false),
			edge("DEPENDS_ON", a, c, true),
		} {
			if err := w.PutRelationshipSnapshot(ctx, snap); err != nil {
				return err
			}
		}
		return nil
	})

	tests := []struct {
		name   string
		filter RelationshipFilter
		want   []string
	}{
		{"outgoing", RelationshipFilter{EntityID: a, Direction: Outgoing}, []string{"PART_OF"}},
		{"incoming", RelationshipFilter{EntityID: a, Direction: Incoming}, []string{"REFERS_TO"}},
		{"both", RelationshipFilter{EntityID: a}, []string{"PART_OF", "REFERS_TO"}},
		{"include deleted", RelationshipFilter{EntityID: a, IncludeDeleted: true}, []string{"DEPENDS_ON", "PART_OF", "REFERS_TO"}},
		{"type filter", RelationshipFilter{EntityID: a, Types: []string{"REFERS_TO"}}, []string{"REFERS_TO"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRelationshipSnapshots(ctx, tt.filter)
			require.NoError(t, err)
			types := make([]string, len(got))
			for i, r := range got {
				types[i] = r.RelationshipType
			}
			assert.Equal(t, tt.want, types)
		})
	}

	_, err := s.ListRelationshipSnapshots(ctx, RelationshipFilter{EntityID: a, Direction: "sideways"})
	assert.Error(t, err)
}

func TestListTimeline_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ada, bob := testEntityID("Ada"), testEntityID("Bob")

	ev := func(entity, typ, date string) ir.TimelineEvent {
		return ir.TimelineEvent{
			ID:                   ir.TimelineEventID(entity, typ, date),
			EntityID:             entity,
			EntityType:           "contact",
			EventType:            typ,
			Field:                "date",
			EventDate:            date,
			SourceObservationIDs: []string{"o1"},
		}
	}
	mustUpdate(t, s, func(w Writer) error {
		if err := w.ReplaceTimeline(ctx, ada, []ir.TimelineEvent{
			ev(ada, "contact.birth_date", "1815-12-10"),
			ev(ada, "contact.met_on", "2024-02-01"),
		}); err != nil {
			return err
		}
		return w.ReplaceTimeline(ctx, bob, []ir.TimelineEvent{ev(bob, "contact.met_on", "2024-01-15")})
	})

	dates := func(events []ir.TimelineEvent) []string {
		out := make([]string, len(events))
		for i, e := range events {
			out[i] = e.EventDate
		}
		return out
	}

	all, err := s.ListTimeline(ctx, TimelineFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1815-12-10", "2024-01-15", "2024-02-01"}, dates(all))

	ranged, err := s.ListTimeline(ctx, TimelineFilter{From: "2024-01-01", To: "2024-01-31"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-15"}, dates(ranged))

	typed, err := s.ListTimeline(ctx, TimelineFilter{EventTypes: []string{"contact.met_on"}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-15"}, dates(typed))

	mine, err := s.ListTimeline(ctx, TimelineFilter{EntityID: ada})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestListRawFragments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	src := createTestSource(t, s, "caller-1", "k1", []byte("a"))

	frag := ir.RawFragment{
		ID:         "frag-1",
		SourceID:   src.ID,
		EntityType: "contact",
		RawKey:     "shoe_size",
		RawValue:   ir.Int(42),
		Reason:     "no declared field",
		CreatedAt:  testEpoch,
	}
	mustUpdate(t, s, func(w Writer) error {
		_, err := w.AppendRawFragment(ctx, frag)
		return err
	})

	got, err := s.ListRawFragments(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shoe_size", got[0].RawKey)
	assert.Equal(t, ir.Int(42), got[0].RawValue)
	assert.Equal(t, "", got[0].RunID)
}
