package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

// PutBlob stores raw bytes keyed by content hash.
// Uses ON CONFLICT DO NOTHING: identical bytes are stored once no matter how
// many sources reference them.
func (w *txWriter) PutBlob(ctx context.Context, contentHash string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO blobs (content_hash, data, size)
		VALUES (?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, contentHash, data, len(data))
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

// InsertSource appends a source row. The blob must already exist.
// A second insert for the same (caller, idempotency key) is ignored.
func (w *txWriter) InsertSource(ctx context.Context, src ir.Source) (bool, error) {
	res, err := w.tx.ExecContext(ctx, `
		INSERT INTO sources
		(id, caller_id, idempotency_key, content_hash, mime_type, size, file_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		src.ID,
		src.CallerID,
		src.IdempotencyKey,
		src.ContentHash,
		src.MimeType,
		src.Size,
		src.FileName,
		ir.FormatTime(src.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert source: %w", err)
	}
	return rowsInserted(res, "insert source")
}

// InsertRun records the start of an interpretation run.
func (w *txWriter) InsertRun(ctx context.Context, run ir.InterpretationRun) error {
	versions, err := marshalSchemaVersions(run.SchemaVersions)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	var completedAt sql.NullString
	if run.CompletedAt != nil {
		completedAt = nullString(ir.FormatTime(*run.CompletedAt))
	}

	_, err = w.tx.ExecContext(ctx, `
		INSERT INTO interpretation_runs
		(id, source_id, trigger_kind, extractor, config, schema_versions, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.SourceID,
		run.Trigger,
		run.Extractor,
		run.Config,
		versions,
		string(run.Status),
		run.Error,
		ir.FormatTime(run.StartedAt),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun moves a running run to its terminal state. Runs that already
// finished are never rewritten; that case returns an error.
func (w *txWriter) FinishRun(ctx context.Context, id string, status ir.RunStatus, errMsg string, completedAt time.Time) error {
	if status == ir.RunRunning {
		return fmt.Errorf("finish run: %s is not a terminal status", status)
	}
	res, err := w.tx.ExecContext(ctx, `
		UPDATE interpretation_runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), errMsg, ir.FormatTime(completedAt), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	ok, err := rowsInserted(res, "finish run")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendObservation inserts an observation and assigns obs.Seq.
// Uses ON CONFLICT(id) DO NOTHING: observation ids are content-addressed,
// so a duplicate append leaves history untouched and reports the stored seq.
func (w *txWriter) AppendObservation(ctx context.Context, obs *ir.Observation) (bool, error) {
	valueJSON, err := marshalValue(obs.Value)
	if err != nil {
		return false, fmt.Errorf("append observation: %w", err)
	}

	res, err := w.tx.ExecContext(ctx, `
		INSERT INTO observations
		(id, entity_id, entity_type, field, value, source_id, run_id, kind,
		 source_priority, specificity_score, schema_version, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		obs.ID,
		obs.EntityID,
		obs.EntityType,
		obs.Field,
		valueJSON,
		obs.SourceID,
		nullString(obs.RunID),
		string(obs.Kind),
		obs.SourcePriority,
		obs.SpecificityScore,
		obs.SchemaVersion,
		ir.FormatTime(obs.ObservedAt),
	)
	if err != nil {
		return false, fmt.Errorf("append observation: %w", err)
	}

	inserted, err := rowsInserted(res, "append observation")
	if err != nil {
		return false, err
	}
	if inserted {
		obs.Seq, err = res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("append observation: last insert id: %w", err)
		}
		return true, nil
	}

	err = w.tx.QueryRowContext(ctx, `SELECT seq FROM observations WHERE id = ?`, obs.ID).Scan(&obs.Seq)
	if err != nil {
		return false, fmt.Errorf("append observation: select existing: %w", err)
	}
	return false, nil
}

// PutSnapshot replaces the stored snapshot for an entity.
func (w *txWriter) PutSnapshot(ctx context.Context, snap ir.EntitySnapshot) error {
	fields, err := marshalObject(snap.Fields)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	prov, err := marshalProvenance(snap.Provenance)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	contrib, err := marshalStrings(snap.ContributingObservationIDs)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}

	_, err = w.tx.ExecContext(ctx, `
		INSERT INTO entity_snapshots
		(entity_id, entity_type, schema_version, fields, provenance,
		 contributing_observation_ids, computed_at, last_seq, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			schema_version = excluded.schema_version,
			fields = excluded.fields,
			provenance = excluded.provenance,
			contributing_observation_ids = excluded.contributing_observation_ids,
			computed_at = excluded.computed_at,
			last_seq = excluded.last_seq,
			hash = excluded.hash
	`,
		snap.EntityID,
		snap.EntityType,
		snap.SchemaVersion,
		fields,
		prov,
		contrib,
		ir.FormatTime(snap.ComputedAt),
		snap.LastSeq,
		snap.Hash,
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// AppendRelationshipObservation inserts a relationship observation and
// assigns obs.Seq. Duplicate ids are ignored.
func (w *txWriter) AppendRelationshipObservation(ctx context.Context, obs *ir.RelationshipObservation) (bool, error) {
	meta, err := marshalObject(obs.Metadata)
	if err != nil {
		return false, fmt.Errorf("append relationship observation: %w", err)
	}

	res, err := w.tx.ExecContext(ctx, `
		INSERT INTO relationship_observations
		(id, relationship_id, relationship_type, source_entity_id, target_entity_id,
		 source_id, deleted, metadata, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		obs.ID,
		obs.RelationshipID,
		obs.RelationshipType,
		obs.SourceEntityID,
		obs.TargetEntityID,
		obs.SourceID,
		obs.Deleted,
		meta,
		ir.FormatTime(obs.ObservedAt),
	)
	if err != nil {
		return false, fmt.Errorf("append relationship observation: %w", err)
	}

	inserted, err := rowsInserted(res, "append relationship observation")
	if err != nil {
		return false, err
	}
	if inserted {
		obs.Seq, err = res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("append relationship observation: last insert id: %w", err)
		}
		return true, nil
	}

	err = w.tx.QueryRowContext(ctx,
		`SELECT seq FROM relationship_observations WHERE id = ?`, obs.ID).Scan(&obs.Seq)
	if err != nil {
		return false, fmt.Errorf("append relationship observation: select existing: %w", err)
	}
	return false, nil
}

// PutRelationshipSnapshot replaces the stored snapshot for an edge.
func (w *txWriter) PutRelationshipSnapshot(ctx context.Context, snap ir.RelationshipSnapshot) error {
	meta, err := marshalObject(snap.Metadata)
	if err != nil {
		return fmt.Errorf("put relationship snapshot: %w", err)
	}
	prov, err := marshalProvenance(snap.Provenance)
	if err != nil {
		return fmt.Errorf("put relationship snapshot: %w", err)
	}
	contrib, err := marshalStrings(snap.ContributingObservationIDs)
	if err != nil {
		return fmt.Errorf("put relationship snapshot: %w", err)
	}

	_, err = w.tx.ExecContext(ctx, `
		INSERT INTO relationship_snapshots
		(id, relationship_type, source_entity_id, target_entity_id, deleted, metadata,
		 provenance, contributing_observation_ids, computed_at, last_seq, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			deleted = excluded.deleted,
			metadata = excluded.metadata,
			provenance = excluded.provenance,
			contributing_observation_ids = excluded.contributing_observation_ids,
			computed_at = excluded.computed_at,
			last_seq = excluded.last_seq,
			hash = excluded.hash
	`,
		snap.ID,
		snap.RelationshipType,
		snap.SourceEntityID,
		snap.TargetEntityID,
		snap.Deleted,
		meta,
		prov,
		contrib,
		ir.FormatTime(snap.ComputedAt),
		snap.LastSeq,
		snap.Hash,
	)
	if err != nil {
		return fmt.Errorf("put relationship snapshot: %w", err)
	}
	return nil
}

// ReplaceTimeline deletes an entity's projected events and inserts events.
// Timeline events are a projection; the observations they came from are
// never touched.
func (w *txWriter) ReplaceTimeline(ctx context.Context, entityID string, events []ir.TimelineEvent) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM timeline_events WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("replace timeline: %w", err)
	}

	for _, ev := range events {
		if ev.EntityID != entityID {
			return fmt.Errorf("replace timeline: event %s belongs to %s, not %s", ev.ID, ev.EntityID, entityID)
		}
		ids, err := marshalStrings(ev.SourceObservationIDs)
		if err != nil {
			return fmt.Errorf("replace timeline: %w", err)
		}
		_, err = w.tx.ExecContext(ctx, `
			INSERT INTO timeline_events
			(id, entity_id, entity_type, event_type, field, event_date, source_observation_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			ev.ID,
			ev.EntityID,
			ev.EntityType,
			ev.EventType,
			ev.Field,
			ev.EventDate,
			ids,
		)
		if err != nil {
			return fmt.Errorf("replace timeline: insert %s: %w", ev.ID, err)
		}
	}
	return nil
}

// AppendRawFragment preserves a rejected candidate.
func (w *txWriter) AppendRawFragment(ctx context.Context, frag ir.RawFragment) (bool, error) {
	raw := frag.RawValue
	if raw == nil {
		raw = ir.Null{}
	}
	valueJSON, err := marshalValue(raw)
	if err != nil {
		return false, fmt.Errorf("append raw fragment: %w", err)
	}

	res, err := w.tx.ExecContext(ctx, `
		INSERT INTO raw_fragments
		(id, source_id, run_id, entity_type, raw_key, raw_value, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		frag.ID,
		frag.SourceID,
		nullString(frag.RunID),
		frag.EntityType,
		frag.RawKey,
		valueJSON,
		frag.Reason,
		ir.FormatTime(frag.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("append raw fragment: %w", err)
	}
	return rowsInserted(res, "append raw fragment")
}

// InsertSchema appends a schema version, inactive. Versions are
// append-only: an existing (entity_type, version) is left as is.
func (w *txWriter) InsertSchema(ctx context.Context, def ir.SchemaDefinition) (bool, error) {
	def.SortFields()
	body, err := marshalSchemaBody(def)
	if err != nil {
		return false, fmt.Errorf("insert schema: %w", err)
	}

	res, err := w.tx.ExecContext(ctx, `
		INSERT INTO schema_definitions
		(entity_type, version, body, body_hash, inferred, active, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(entity_type, version) DO NOTHING
	`,
		def.EntityType,
		def.Version,
		body,
		ir.SchemaHash(def),
		def.Inferred,
		ir.FormatTime(def.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert schema: %w", err)
	}
	return rowsInserted(res, "insert schema")
}

// ActivateSchema deactivates every version of entityType and activates
// version, inside the caller's transaction. The partial unique index
// guarantees at most one active row per type.
func (w *txWriter) ActivateSchema(ctx context.Context, entityType string, version int) error {
	var exists int
	err := w.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM schema_definitions WHERE entity_type = ? AND version = ?
	`, entityType, version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("activate schema: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("activate schema %s v%d: %w", entityType, version, ErrNotFound)
	}

	if _, err := w.tx.ExecContext(ctx, `
		UPDATE schema_definitions SET active = 0 WHERE entity_type = ? AND active = 1
	`, entityType); err != nil {
		return fmt.Errorf("activate schema: deactivate: %w", err)
	}
	if _, err := w.tx.ExecContext(ctx, `
		UPDATE schema_definitions SET active = 1 WHERE entity_type = ? AND version = ?
	`, entityType, version); err != nil {
		return fmt.Errorf("activate schema: %w", err)
	}
	return nil
}

// PutIdempotencyRecord records a request outcome. The first record for a
// (caller, key) wins; later ones are ignored.
func (w *txWriter) PutIdempotencyRecord(ctx context.Context, rec ir.IdempotencyRecord) (bool, error) {
	res, err := w.tx.ExecContext(ctx, `
		INSERT INTO idempotency_records
		(caller_id, idem_key, operation, request_hash, source_id, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(caller_id, idem_key) DO NOTHING
	`,
		rec.CallerID,
		rec.Key,
		rec.Operation,
		rec.RequestHash,
		rec.SourceID,
		string(rec.Result),
		ir.FormatTime(rec.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("put idempotency record: %w", err)
	}
	return rowsInserted(res, "put idempotency record")
}

func rowsInserted(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}
