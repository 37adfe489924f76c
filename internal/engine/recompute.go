package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/reducer"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/timeline"
)

// recomputeEntity reduces every observation of entityID under def, stores
// the snapshot and replaces the entity's timeline. It runs inside the
// transaction that appended the observations, under the entity lock.
func (e *Engine) recomputeEntity(ctx context.Context, w store.Writer, entityID, entityType string, def ir.SchemaDefinition) (ir.EntitySnapshot, error) {
	start := time.Now()
	defer e.metrics.ObserveRecompute("entity", start)

	observations, err := w.ListObservations(ctx, entityID)
	if err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("recompute %s: %w", entityID, err)
	}
	snap, err := reducer.ReduceEntity(entityID, entityType, def, observations)
	if err != nil {
		return ir.EntitySnapshot{}, err
	}
	if err := w.PutSnapshot(ctx, snap); err != nil {
		return ir.EntitySnapshot{}, err
	}
	events := timeline.Project(def, snap, observations)
	if err := w.ReplaceTimeline(ctx, entityID, events); err != nil {
		return ir.EntitySnapshot{}, err
	}
	e.logger.Debug("snapshot recomputed",
		"entity_id", entityID,
		"observations", len(observations),
		"schema_version", def.Version,
		"timeline_events", len(events),
		"hash", snap.Hash)
	return snap, nil
}

// recomputeRelationship reduces every observation of relationshipID and
// stores the snapshot.
func (e *Engine) recomputeRelationship(ctx context.Context, w store.Writer, relationshipID string) (ir.RelationshipSnapshot, error) {
	start := time.Now()
	defer e.metrics.ObserveRecompute("relationship", start)

	observations, err := w.ListRelationshipObservations(ctx, relationshipID)
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("recompute %s: %w", relationshipID, err)
	}
	snap, err := reducer.ReduceRelationship(relationshipID, observations)
	if err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	if err := w.PutRelationshipSnapshot(ctx, snap); err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	return snap, nil
}

// lockEntities takes the entity lock of every id, in sorted order.
func (e *Engine) lockEntities(ctx context.Context, ids []string) (func(), error) {
	release, err := e.entityLocks.AcquireAll(ctx, ids, e.lockTimeout)
	if err != nil {
		return nil, e.lockError("entity", "", err)
	}
	return release, nil
}
