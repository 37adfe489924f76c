package engine

import (
	"context"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/relationship"
	"github.com/roach88/truthlayer/internal/store"
)

// RelationshipRequest asserts, retracts or restores one edge.
type RelationshipRequest struct {
	CallerID string
	// IdempotencyKey is optional; a key is generated when it is empty, so
	// such a request is never deduplicated.
	IdempotencyKey   string
	RelationshipType string
	SourceEntityID   string
	TargetEntityID   string
	Metadata         ir.Object
}

// RelationshipResult reports a relationship operation.
type RelationshipResult struct {
	Outcome                    Outcome   `json:"outcome"`
	IdempotencyKey             string    `json:"idempotency_key"`
	SourceID                   string    `json:"source_id"`
	RelationshipID             string    `json:"relationship_id"`
	ObservationID              string    `json:"observation_id"`
	Deleted                    bool      `json:"deleted"`
	Metadata                   ir.Object `json:"metadata"`
	ContributingObservationIDs []string  `json:"contributing_observation_ids"`
	SnapshotHash               string    `json:"snapshot_hash"`
}

// CreateRelationship asserts an edge between two existing entities.
// Asserting an existing edge again appends another observation; metadata
// keys it carries win under last_write.
func (e *Engine) CreateRelationship(ctx context.Context, req RelationshipRequest) (RelationshipResult, error) {
	return e.relate(ctx, OpCreateRelationship, req, false)
}

// DeleteRelationship retracts an edge by appending an observation with
// deleted=true. Nothing is removed.
func (e *Engine) DeleteRelationship(ctx context.Context, req RelationshipRequest) (RelationshipResult, error) {
	return e.relate(ctx, OpDeleteRelationship, req, true)
}

// RestoreRelationship re-asserts a retracted edge by appending an
// observation with deleted=false.
func (e *Engine) RestoreRelationship(ctx context.Context, req RelationshipRequest) (RelationshipResult, error) {
	return e.relate(ctx, OpRestoreRelationship, req, false)
}

func (e *Engine) relate(ctx context.Context, op string, req RelationshipRequest, deleted bool) (RelationshipResult, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = e.keys.Generate()
	}
	key := relationship.Key{
		Type:           req.RelationshipType,
		SourceEntityID: req.SourceEntityID,
		TargetEntityID: req.TargetEntityID,
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = ir.Object{}
	}
	payload := ir.Object{
		"relationship_type": ir.String(key.Type),
		"source_entity_id":  ir.String(key.SourceEntityID),
		"target_entity_id":  ir.String(key.TargetEntityID),
		"metadata":          metadata,
	}

	r, err := e.newRequest(op, req.CallerID, req.IdempotencyKey, payload)
	if err != nil {
		return RelationshipResult{}, err
	}
	if err := key.Validate(); err != nil {
		return RelationshipResult{}, validationf("%s: %v", op, err)
	}

	result, dedup, err := runIdempotent(ctx, e, r, func(ctx context.Context, commit commitFunc[RelationshipResult]) error {
		data, err := ir.MarshalCanonical(ir.Object{"operation": ir.String(op), "relationship": payload})
		if err != nil {
			return validationf("%s: payload cannot be canonicalised: %v", op, err)
		}
		now := e.clock.Now()
		src := ir.Source{
			ID:             ir.SourceID(req.CallerID, req.IdempotencyKey),
			CallerID:       req.CallerID,
			IdempotencyKey: req.IdempotencyKey,
			ContentHash:    ir.ContentHash(data),
			MimeType:       "application/json",
			Size:           int64(len(data)),
			CreatedAt:      now,
		}
		obs, err := relationship.NewObservation(key, src.ID, deleted, metadata, now)
		if err != nil {
			return validationf("%s: %v", op, err)
		}

		release, err := e.lockEntities(ctx, []string{obs.RelationshipID})
		if err != nil {
			return err
		}
		defer release()

		return e.provider.Update(ctx, func(w store.Writer) error {
			for _, id := range []string{key.SourceEntityID, key.TargetEntityID} {
				ok, err := w.EntityExists(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return notFoundf("entity %s does not exist", id)
				}
			}
			if op != OpCreateRelationship {
				if _, err := w.GetRelationshipSnapshot(ctx, obs.RelationshipID); store.IsNotFound(err) {
					return notFoundf("relationship %s does not exist", key)
				} else if err != nil {
					return err
				}
			}

			if err := w.PutBlob(ctx, src.ContentHash, data); err != nil {
				return err
			}
			if _, err := w.InsertSource(ctx, src); err != nil {
				return err
			}
			if _, err := w.AppendRelationshipObservation(ctx, &obs); err != nil {
				return err
			}
			snap, err := e.recomputeRelationship(ctx, w, obs.RelationshipID)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			e.metrics.Appended(1)
			return commit(ctx, w, src.ID, RelationshipResult{
				Outcome:                    OutcomeCreated,
				IdempotencyKey:             req.IdempotencyKey,
				SourceID:                   src.ID,
				RelationshipID:             snap.ID,
				ObservationID:              obs.ID,
				Deleted:                    snap.Deleted,
				Metadata:                   snap.Metadata,
				ContributingObservationIDs: snap.ContributingObservationIDs,
				SnapshotHash:               snap.Hash,
			})
		})
	})
	if dedup {
		result.Outcome = OutcomeDeduplicated
	}
	return result, err
}
