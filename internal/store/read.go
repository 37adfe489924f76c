package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/queryir"
	"github.com/roach88/truthlayer/internal/querysql"
)

// reader implements Reader over any querier, so the same code serves
// plain reads on the Store and reads inside a transaction.
type reader struct {
	q querier
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundOr maps sql.ErrNoRows to ErrNotFound.
func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

const sourceColumns = `id, caller_id, idempotency_key, content_hash, mime_type, size, file_name, created_at`

func scanSource(row scanner) (ir.Source, error) {
	var src ir.Source
	var createdAt string
	if err := row.Scan(&src.ID, &src.CallerID, &src.IdempotencyKey, &src.ContentHash,
		&src.MimeType, &src.Size, &src.FileName, &createdAt); err != nil {
		return ir.Source{}, err
	}
	t, err := ir.ParseTime(createdAt)
	if err != nil {
		return ir.Source{}, err
	}
	src.CreatedAt = t
	return src, nil
}

// GetSource retrieves a source by id.
func (r reader) GetSource(ctx context.Context, id string) (ir.Source, error) {
	src, err := scanSource(r.q.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if err != nil {
		return ir.Source{}, notFoundOr(err, "get source %s", id)
	}
	return src, nil
}

// FindSourceByKey retrieves the source created for (caller, idempotency key).
func (r reader) FindSourceByKey(ctx context.Context, callerID, idempotencyKey string) (ir.Source, error) {
	src, err := scanSource(r.q.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE caller_id = ? AND idempotency_key = ?`,
		callerID, idempotencyKey))
	if err != nil {
		return ir.Source{}, notFoundOr(err, "find source by key")
	}
	return src, nil
}

// FindSourceByContent returns the earliest source of this caller holding
// identical bytes.
func (r reader) FindSourceByContent(ctx context.Context, callerID, contentHash string) (ir.Source, error) {
	src, err := scanSource(r.q.QueryRowContext(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE caller_id = ? AND content_hash = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
		LIMIT 1
	`, callerID, contentHash))
	if err != nil {
		return ir.Source{}, notFoundOr(err, "find source by content")
	}
	return src, nil
}

// ReadBlob returns the raw bytes stored under contentHash.
func (r reader) ReadBlob(ctx context.Context, contentHash string) ([]byte, error) {
	var data []byte
	err := r.q.QueryRowContext(ctx, `SELECT data FROM blobs WHERE content_hash = ?`, contentHash).Scan(&data)
	if err != nil {
		return nil, notFoundOr(err, "read blob %s", contentHash)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

const runColumns = `id, source_id, trigger_kind, extractor, config, schema_versions, status, error, started_at, completed_at`

func scanRun(row scanner) (ir.InterpretationRun, error) {
	var run ir.InterpretationRun
	var status, versions, startedAt string
	var completedAt sql.NullString
	if err := row.Scan(&run.ID, &run.SourceID, &run.Trigger, &run.Extractor, &run.Config,
		&versions, &status, &run.Error, &startedAt, &completedAt); err != nil {
		return ir.InterpretationRun{}, err
	}
	run.Status = ir.RunStatus(status)

	var err error
	if run.SchemaVersions, err = unmarshalSchemaVersions(versions); err != nil {
		return ir.InterpretationRun{}, err
	}
	if run.StartedAt, err = ir.ParseTime(startedAt); err != nil {
		return ir.InterpretationRun{}, err
	}
	if completedAt.Valid {
		t, err := ir.ParseTime(completedAt.String)
		if err != nil {
			return ir.InterpretationRun{}, err
		}
		run.CompletedAt = &t
	}
	return run, nil
}

// GetRun retrieves an interpretation run by id.
func (r reader) GetRun(ctx context.Context, id string) (ir.InterpretationRun, error) {
	run, err := scanRun(r.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM interpretation_runs WHERE id = ?`, id))
	if err != nil {
		return ir.InterpretationRun{}, notFoundOr(err, "get run %s", id)
	}
	return run, nil
}

// ListRuns returns a source's runs, oldest first.
func (r reader) ListRuns(ctx context.Context, sourceID string) ([]ir.InterpretationRun, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM interpretation_runs
		WHERE source_id = ?
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return collect(rows, scanRun, "runs")
}

var observationColumns = []string{
	"seq", "id", "entity_id", "entity_type", "field", "value", "source_id", "run_id", "kind",
	"source_priority", "specificity_score", "schema_version", "observed_at",
}

// observationOrder is the reducer's order: (observed_at, seq), then id.
var observationOrder = []queryir.OrderKey{{Field: "observed_at"}, {Field: "seq"}}

func scanObservation(row scanner) (ir.Observation, error) {
	var obs ir.Observation
	var valueJSON, kind, observedAt string
	var runID sql.NullString
	if err := row.Scan(&obs.Seq, &obs.ID, &obs.EntityID, &obs.EntityType, &obs.Field, &valueJSON,
		&obs.SourceID, &runID, &kind, &obs.SourcePriority, &obs.SpecificityScore,
		&obs.SchemaVersion, &observedAt); err != nil {
		return ir.Observation{}, err
	}
	obs.RunID = runID.String
	obs.Kind = ir.ObservationKind(kind)

	var err error
	if obs.Value, err = unmarshalValue(valueJSON); err != nil {
		return ir.Observation{}, err
	}
	if obs.ObservedAt, err = ir.ParseTime(observedAt); err != nil {
		return ir.Observation{}, err
	}
	return obs, nil
}

// GetObservation retrieves one observation by id.
func (r reader) GetObservation(ctx context.Context, id string) (ir.Observation, error) {
	obs, err := queryOne(ctx, r.q, queryir.Select{
		From:    "observations",
		Columns: observationColumns,
		Filter:  queryir.Equals{Field: "id", Value: ir.String(id)},
		OrderBy: observationOrder,
	}, scanObservation)
	if err != nil {
		return ir.Observation{}, notFoundOr(err, "get observation %s", id)
	}
	return obs, nil
}

// ListObservations returns every observation for an entity in reducer order.
// Returns an empty slice (not nil) when the entity has none.
func (r reader) ListObservations(ctx context.Context, entityID string) ([]ir.Observation, error) {
	return queryAll(ctx, r.q, queryir.Select{
		From:    "observations",
		Columns: observationColumns,
		Filter:  queryir.Equals{Field: "entity_id", Value: ir.String(entityID)},
		OrderBy: observationOrder,
	}, scanObservation, "observations")
}

// ListObservationsBySource returns the observations a source produced, in
// insertion order.
func (r reader) ListObservationsBySource(ctx context.Context, sourceID string) ([]ir.Observation, error) {
	return queryAll(ctx, r.q, queryir.Select{
		From:    "observations",
		Columns: observationColumns,
		Filter:  queryir.Equals{Field: "source_id", Value: ir.String(sourceID)},
		OrderBy: []queryir.OrderKey{{Field: "seq"}},
	}, scanObservation, "observations")
}

// EntityExists reports whether any observation names entityID.
func (r reader) EntityExists(ctx context.Context, entityID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT 1 FROM observations WHERE entity_id = ? LIMIT 1)`, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("entity exists: %w", err)
	}
	return n > 0, nil
}

// ListEntityIDs returns every entity id with at least one observation.
func (r reader) ListEntityIDs(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `SELECT DISTINCT entity_id FROM observations ORDER BY entity_id COLLATE BINARY ASC`)
}

// ListRelationshipIDs returns every edge id with at least one observation.
func (r reader) ListRelationshipIDs(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `SELECT DISTINCT relationship_id FROM relationship_observations ORDER BY relationship_id COLLATE BINARY ASC`)
}

func (r reader) listIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	return collect(rows, func(row scanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	}, "ids")
}

const snapshotColumns = `entity_id, entity_type, schema_version, fields, provenance,
	contributing_observation_ids, computed_at, last_seq, hash`

func scanSnapshot(row scanner) (ir.EntitySnapshot, error) {
	var snap ir.EntitySnapshot
	var fields, prov, contrib, computedAt string
	if err := row.Scan(&snap.EntityID, &snap.EntityType, &snap.SchemaVersion, &fields, &prov,
		&contrib, &computedAt, &snap.LastSeq, &snap.Hash); err != nil {
		return ir.EntitySnapshot{}, err
	}

	var err error
	if snap.Fields, err = unmarshalObject(fields); err != nil {
		return ir.EntitySnapshot{}, err
	}
	if snap.Provenance, err = unmarshalProvenance(prov); err != nil {
		return ir.EntitySnapshot{}, err
	}
	if snap.ContributingObservationIDs, err = unmarshalStrings(contrib); err != nil {
		return ir.EntitySnapshot{}, err
	}
	if snap.ComputedAt, err = ir.ParseTime(computedAt); err != nil {
		return ir.EntitySnapshot{}, err
	}
	return snap, nil
}

// GetSnapshot retrieves the current snapshot of an entity.
func (r reader) GetSnapshot(ctx context.Context, entityID string) (ir.EntitySnapshot, error) {
	snap, err := scanSnapshot(r.q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM entity_snapshots WHERE entity_id = ?`, entityID))
	if err != nil {
		return ir.EntitySnapshot{}, notFoundOr(err, "get snapshot %s", entityID)
	}
	return snap, nil
}

var relObservationColumns = []string{
	"seq", "id", "relationship_id", "relationship_type", "source_entity_id", "target_entity_id",
	"source_id", "deleted", "metadata", "observed_at",
}

func scanRelationshipObservation(row scanner) (ir.RelationshipObservation, error) {
	var obs ir.RelationshipObservation
	var meta, observedAt string
	if err := row.Scan(&obs.Seq, &obs.ID, &obs.RelationshipID, &obs.RelationshipType,
		&obs.SourceEntityID, &obs.TargetEntityID, &obs.SourceID, &obs.Deleted, &meta, &observedAt); err != nil {
		return ir.RelationshipObservation{}, err
	}

	var err error
	if obs.Metadata, err = unmarshalObject(meta); err != nil {
		return ir.RelationshipObservation{}, err
	}
	if obs.ObservedAt, err = ir.ParseTime(observedAt); err != nil {
		return ir.RelationshipObservation{}, err
	}
	return obs, nil
}

// ListRelationshipObservations returns an edge's observations in reducer order.
func (r reader) ListRelationshipObservations(ctx context.Context, relationshipID string) ([]ir.RelationshipObservation, error) {
	return queryAll(ctx, r.q, queryir.Select{
		From:    "relationship_observations",
		Columns: relObservationColumns,
		Filter:  queryir.Equals{Field: "relationship_id", Value: ir.String(relationshipID)},
		OrderBy: observationOrder,
	}, scanRelationshipObservation, "relationship observations")
}

var relSnapshotColumns = []string{
	"id", "relationship_type", "source_entity_id", "target_entity_id", "deleted", "metadata",
	"provenance", "contributing_observation_ids", "computed_at", "last_seq", "hash",
}

func scanRelationshipSnapshot(row scanner) (ir.RelationshipSnapshot, error) {
	var snap ir.RelationshipSnapshot
	var meta, prov, contrib, computedAt string
	if err := row.Scan(&snap.ID, &snap.RelationshipType, &snap.SourceEntityID, &snap.TargetEntityID,
		&snap.Deleted, &meta, &prov, &contrib, &computedAt, &snap.LastSeq, &snap.Hash); err != nil {
		return ir.RelationshipSnapshot{}, err
	}

	var err error
	if snap.Metadata, err = unmarshalObject(meta); err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	if snap.Provenance, err = unmarshalProvenance(prov); err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	if snap.ContributingObservationIDs, err = unmarshalStrings(contrib); err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	if snap.ComputedAt, err = ir.ParseTime(computedAt); err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	return snap, nil
}

// GetRelationshipSnapshot retrieves the current snapshot of an edge.
func (r reader) GetRelationshipSnapshot(ctx context.Context, relationshipID string) (ir.RelationshipSnapshot, error) {
	snap, err := queryOne(ctx, r.q, queryir.Select{
		From:    "relationship_snapshots",
		Columns: relSnapshotColumns,
		Filter:  queryir.Equals{Field: "id", Value: ir.String(relationshipID)},
		OrderBy: []queryir.OrderKey{{Field: "id"}},
	}, scanRelationshipSnapshot)
	if err != nil {
		return ir.RelationshipSnapshot{}, notFoundOr(err, "get relationship %s", relationshipID)
	}
	return snap, nil
}

// ListRelationshipSnapshots returns edges touching filter.EntityID, ordered
// by type, then source, then target.
func (r reader) ListRelationshipSnapshots(ctx context.Context, filter RelationshipFilter) ([]ir.RelationshipSnapshot, error) {
	entity := ir.String(filter.EntityID)
	var end queryir.Predicate
	switch filter.Direction {
	case Outgoing:
		end = queryir.Equals{Field: "source_entity_id", Value: entity}
	case Incoming:
		end = queryir.Equals{Field: "target_entity_id", Value: entity}
	case Both, "":
		end = queryir.Or{Predicates: []queryir.Predicate{
			queryir.Equals{Field: "source_entity_id", Value: entity},
			queryir.Equals{Field: "target_entity_id", Value: entity},
		}}
	default:
		return nil, fmt.Errorf("list relationships: unknown direction %q", filter.Direction)
	}

	var types, live queryir.Predicate
	if len(filter.Types) > 0 {
		types = queryir.Strings("relationship_type", filter.Types)
	}
	if !filter.IncludeDeleted {
		live = queryir.Equals{Field: "deleted", Value: ir.Bool(false)}
	}

	return queryAll(ctx, r.q, queryir.Select{
		From:    "relationship_snapshots",
		Columns: relSnapshotColumns,
		Filter:  queryir.Conjoin(end, types, live),
		OrderBy: []queryir.OrderKey{
			{Field: "relationship_type"},
			{Field: "source_entity_id"},
			{Field: "target_entity_id"},
		},
	}, scanRelationshipSnapshot, "relationship snapshots")
}

var timelineColumns = []string{
	"id", "entity_id", "entity_type", "event_type", "field", "event_date", "source_observation_ids",
}

func scanTimelineEvent(row scanner) (ir.TimelineEvent, error) {
	var ev ir.TimelineEvent
	var ids string
	if err := row.Scan(&ev.ID, &ev.EntityID, &ev.EntityType, &ev.EventType, &ev.Field,
		&ev.EventDate, &ids); err != nil {
		return ir.TimelineEvent{}, err
	}
	var err error
	if ev.SourceObservationIDs, err = unmarshalStrings(ids); err != nil {
		return ir.TimelineEvent{}, err
	}
	return ev, nil
}

// ListTimeline returns timeline events in chronological order.
func (r reader) ListTimeline(ctx context.Context, filter TimelineFilter) ([]ir.TimelineEvent, error) {
	var preds []queryir.Predicate
	if filter.EntityID != "" {
		preds = append(preds, queryir.Equals{Field: "entity_id", Value: ir.String(filter.EntityID)})
	}
	if len(filter.EventTypes) > 0 {
		preds = append(preds, queryir.Strings("event_type", filter.EventTypes))
	}
	if filter.From != "" {
		preds = append(preds, queryir.Gte{Field: "event_date", Value: ir.String(filter.From)})
	}
	if filter.To != "" {
		preds = append(preds, queryir.Lte{Field: "event_date", Value: ir.String(filter.To)})
	}

	return queryAll(ctx, r.q, queryir.Select{
		From:    "timeline_events",
		Columns: timelineColumns,
		Filter:  queryir.Conjoin(preds...),
		OrderBy: []queryir.OrderKey{{Field: "event_date"}, {Field: "event_type"}},
		Limit:   filter.Limit,
	}, scanTimelineEvent, "timeline events")
}

var fragmentColumns = []string{
	"id", "source_id", "run_id", "entity_type", "raw_key", "raw_value", "reason", "created_at",
}

func scanRawFragment(row scanner) (ir.RawFragment, error) {
	var frag ir.RawFragment
	var runID sql.NullString
	var raw, createdAt string
	if err := row.Scan(&frag.ID, &frag.SourceID, &runID, &frag.EntityType, &frag.RawKey,
		&raw, &frag.Reason, &createdAt); err != nil {
		return ir.RawFragment{}, err
	}
	frag.RunID = runID.String

	var err error
	if frag.RawValue, err = unmarshalValue(raw); err != nil {
		return ir.RawFragment{}, err
	}
	if frag.CreatedAt, err = ir.ParseTime(createdAt); err != nil {
		return ir.RawFragment{}, err
	}
	return frag, nil
}

// ListRawFragments returns a source's preserved fragments in insertion order.
func (r reader) ListRawFragments(ctx context.Context, sourceID string) ([]ir.RawFragment, error) {
	return queryAll(ctx, r.q, queryir.Select{
		From:    "raw_fragments",
		Columns: fragmentColumns,
		Filter:  queryir.Equals{Field: "source_id", Value: ir.String(sourceID)},
		OrderBy: []queryir.OrderKey{{Field: "seq"}},
	}, scanRawFragment, "raw fragments")
}

const schemaColumns = `entity_type, version, body, inferred, active, created_at`

func scanSchema(row scanner) (ir.SchemaDefinition, error) {
	var def ir.SchemaDefinition
	var body, createdAt string
	if err := row.Scan(&def.EntityType, &def.Version, &body, &def.Inferred, &def.Active, &createdAt); err != nil {
		return ir.SchemaDefinition{}, err
	}
	if err := unmarshalSchemaBody(body, &def); err != nil {
		return ir.SchemaDefinition{}, err
	}
	var err error
	if def.CreatedAt, err = ir.ParseTime(createdAt); err != nil {
		return ir.SchemaDefinition{}, err
	}
	return def, nil
}

// GetSchema retrieves one schema version.
func (r reader) GetSchema(ctx context.Context, entityType string, version int) (ir.SchemaDefinition, error) {
	def, err := scanSchema(r.q.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM schema_definitions WHERE entity_type = ? AND version = ?`,
		entityType, version))
	if err != nil {
		return ir.SchemaDefinition{}, notFoundOr(err, "get schema %s v%d", entityType, version)
	}
	return def, nil
}

// GetActiveSchema retrieves the active version of an entity type.
func (r reader) GetActiveSchema(ctx context.Context, entityType string) (ir.SchemaDefinition, error) {
	def, err := scanSchema(r.q.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM schema_definitions WHERE entity_type = ? AND active = 1`,
		entityType))
	if err != nil {
		return ir.SchemaDefinition{}, notFoundOr(err, "get active schema %s", entityType)
	}
	return def, nil
}

// ListSchemas returns the active version of every entity type, by type.
func (r reader) ListSchemas(ctx context.Context) ([]ir.SchemaDefinition, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+schemaColumns+` FROM schema_definitions
		WHERE active = 1
		ORDER BY entity_type COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query schemas: %w", err)
	}
	return collect(rows, scanSchema, "schemas")
}

// ListSchemaVersions returns every version of an entity type, oldest first.
func (r reader) ListSchemaVersions(ctx context.Context, entityType string) ([]ir.SchemaDefinition, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+schemaColumns+` FROM schema_definitions
		WHERE entity_type = ?
		ORDER BY version ASC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	return collect(rows, scanSchema, "schema versions")
}

// GetIdempotencyRecord retrieves the recorded outcome for (caller, key).
func (r reader) GetIdempotencyRecord(ctx context.Context, callerID, key string) (ir.IdempotencyRecord, error) {
	var rec ir.IdempotencyRecord
	var result, createdAt string
	err := r.q.QueryRowContext(ctx, `
		SELECT caller_id, idem_key, operation, request_hash, source_id, result, created_at
		FROM idempotency_records
		WHERE caller_id = ? AND idem_key = ?
	`, callerID, key).Scan(&rec.CallerID, &rec.Key, &rec.Operation, &rec.RequestHash,
		&rec.SourceID, &result, &createdAt)
	if err != nil {
		return ir.IdempotencyRecord{}, notFoundOr(err, "get idempotency record")
	}
	rec.Result = []byte(result)
	if rec.CreatedAt, err = ir.ParseTime(createdAt); err != nil {
		return ir.IdempotencyRecord{}, err
	}
	return rec, nil
}

// queryAll compiles sel and scans every row. Never returns a nil slice.
func queryAll[T any](ctx context.Context, q querier, sel queryir.Select, scan func(scanner) (T, error), what string) ([]T, error) {
	query, params, err := querysql.NewSQLCompiler().Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("compile %s query: %w", what, err)
	}
	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	return collect(rows, scan, what)
}

// queryOne compiles sel and scans its first row; sql.ErrNoRows when empty.
func queryOne[T any](ctx context.Context, q querier, sel queryir.Select, scan func(scanner) (T, error)) (T, error) {
	var zero T
	sel.Limit = 1
	query, params, err := querysql.NewSQLCompiler().Compile(sel)
	if err != nil {
		return zero, err
	}
	return scan(q.QueryRowContext(ctx, query, params...))
}

// collect drains rows through scan and closes them.
func collect[T any](rows *sql.Rows, scan func(scanner) (T, error), what string) ([]T, error) {
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}
