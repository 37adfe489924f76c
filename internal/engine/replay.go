package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/truthlayer/internal/reducer"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/timeline"
)

// Mismatch is a stored projection that differs from its recomputation.
type Mismatch struct {
	Kind         string `json:"kind"` // "entity", "relationship" or "timeline"
	ID           string `json:"id"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
	Detail       string `json:"detail,omitempty"`
}

// ReplayReport is the outcome of a determinism audit.
type ReplayReport struct {
	Entities      int        `json:"entities"`
	Relationships int        `json:"relationships"`
	Mismatches    []Mismatch `json:"mismatches"`
}

// OK reports whether every projection matched.
func (r ReplayReport) OK() bool { return len(r.Mismatches) == 0 }

// Replay recomputes every entity and relationship snapshot from stored
// observations and compares the result with what is stored. It writes
// nothing. Each entity is reduced with the schema version its snapshot
// records, and its timeline is re-projected and compared by event id.
//
// Work is spread over the configured number of workers. Replay must not
// run concurrently with writes if a clean report is expected: a snapshot
// may legitimately move between the reads of one entity.
func (e *Engine) Replay(ctx context.Context) (ReplayReport, error) {
	entityIDs, err := e.provider.ListEntityIDs(ctx)
	if err != nil {
		return ReplayReport{}, err
	}
	relIDs, err := e.provider.ListRelationshipIDs(ctx)
	if err != nil {
		return ReplayReport{}, err
	}

	report := ReplayReport{
		Entities:      len(entityIDs),
		Relationships: len(relIDs),
		Mismatches:    []Mismatch{},
	}
	var mu sync.Mutex
	record := func(m Mismatch) {
		mu.Lock()
		defer mu.Unlock()
		report.Mismatches = append(report.Mismatches, m)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.replayWorkers)
	for _, id := range entityIDs {
		g.Go(func() error {
			ms, err := e.replayEntity(gctx, id)
			if err != nil {
				return e.classify(err)
			}
			for _, m := range ms {
				record(m)
			}
			return nil
		})
	}
	for _, id := range relIDs {
		g.Go(func() error {
			m, err := e.replayRelationship(gctx, id)
			if err != nil {
				return e.classify(err)
			}
			if m != nil {
				record(*m)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReplayReport{}, err
	}

	slices.SortFunc(report.Mismatches, func(a, b Mismatch) int {
		if c := strings.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	for _, m := range report.Mismatches {
		e.logger.Warn("replay mismatch", "kind", m.Kind, "id", m.ID,
			"stored_hash", m.StoredHash, "computed_hash", m.ComputedHash, "detail", m.Detail)
	}
	e.logger.Info("replay finished",
		"entities", report.Entities,
		"relationships", report.Relationships,
		"mismatches", len(report.Mismatches))
	return report, nil
}

func (e *Engine) replayEntity(ctx context.Context, entityID string) ([]Mismatch, error) {
	stored, err := e.provider.GetSnapshot(ctx, entityID)
	if store.IsNotFound(err) {
		return []Mismatch{{Kind: "entity", ID: entityID, Detail: "observations without a snapshot"}}, nil
	}
	if err != nil {
		return nil, err
	}
	def, err := e.schemas.Get(ctx, stored.EntityType, stored.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", entityID, err)
	}
	observations, err := e.provider.ListObservations(ctx, entityID)
	if err != nil {
		return nil, err
	}
	computed, err := reducer.ReduceEntity(entityID, stored.EntityType, def, observations)
	if err != nil {
		return nil, err
	}

	var out []Mismatch
	if computed.Hash != stored.Hash {
		out = append(out, Mismatch{Kind: "entity", ID: entityID, StoredHash: stored.Hash, ComputedHash: computed.Hash})
	}

	events, err := e.provider.ListTimeline(ctx, store.TimelineFilter{EntityID: entityID})
	if err != nil {
		return nil, err
	}
	want := timeline.Project(def, computed, observations)
	var storedIDs, wantIDs []string
	for _, ev := range events {
		storedIDs = append(storedIDs, ev.ID)
	}
	for _, ev := range want {
		wantIDs = append(wantIDs, ev.ID)
	}
	slices.Sort(storedIDs)
	slices.Sort(wantIDs)
	if !slices.Equal(storedIDs, wantIDs) {
		out = append(out, Mismatch{
			Kind:   "timeline",
			ID:     entityID,
			Detail: fmt.Sprintf("stored %d events, recomputed %d", len(storedIDs), len(wantIDs)),
		})
	}
	return out, nil
}

func (e *Engine) replayRelationship(ctx context.Context, relationshipID string) (*Mismatch, error) {
	stored, err := e.provider.GetRelationshipSnapshot(ctx, relationshipID)
	if store.IsNotFound(err) {
		return &Mismatch{Kind: "relationship", ID: relationshipID, Detail: "observations without a snapshot"}, nil
	}
	if err != nil {
		return nil, err
	}
	observations, err := e.provider.ListRelationshipObservations(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	computed, err := reducer.ReduceRelationship(relationshipID, observations)
	if err != nil {
		return nil, err
	}
	if computed.Hash != stored.Hash {
		return &Mismatch{Kind: "relationship", ID: relationshipID, StoredHash: stored.Hash, ComputedHash: computed.Hash}, nil
	}
	return nil, nil
}
