package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/relationship"
	"github.com/roach88/truthlayer/internal/resolve"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/timeline"
)

// EntityView is an entity snapshot with its provenance resolved down to
// observations and sources.
type EntityView struct {
	Snapshot   ir.EntitySnapshot `json:"snapshot"`
	Provenance []FieldProvenance `json:"provenance"`
	Sources    []ir.Source       `json:"sources"`
}

// FieldProvenance lists the observations behind one snapshot field, in
// reduction order.
type FieldProvenance struct {
	Field        string           `json:"field"`
	Value        ir.Value         `json:"value"`
	Policy       ir.MergePolicy   `json:"policy"`
	Observations []ir.Observation `json:"observations"`
}

// GetEntity returns the snapshot of entityID and its provenance chain.
// Every provenance id must resolve to a stored observation; one that does
// not is a PROVENANCE_INTEGRITY error.
func (e *Engine) GetEntity(ctx context.Context, entityID string) (EntityView, error) {
	if err := resolve.CheckEntityID(entityID); err != nil {
		return EntityView{}, e.classify(err)
	}
	snap, err := e.provider.GetSnapshot(ctx, entityID)
	if err != nil {
		if store.IsNotFound(err) {
			return EntityView{}, notFoundf("entity %s does not exist", entityID)
		}
		return EntityView{}, err
	}
	observations, err := e.provider.ListObservations(ctx, entityID)
	if err != nil {
		return EntityView{}, err
	}
	byID := make(map[string]ir.Observation, len(observations))
	for _, obs := range observations {
		byID[obs.ID] = obs
	}

	def, err := e.schemas.Get(ctx, snap.EntityType, snap.SchemaVersion)
	if err != nil {
		return EntityView{}, e.classify(err)
	}

	view := EntityView{Snapshot: snap, Provenance: []FieldProvenance{}, Sources: []ir.Source{}}
	sourceIDs := map[string]bool{}
	for _, field := range snap.Fields.SortedKeys() {
		fp := FieldProvenance{Field: field, Value: snap.Fields[field], Policy: ir.LastWrite}
		if fd, ok := def.Field(field); ok && fd.Policy != "" {
			fp.Policy = fd.Policy
		}
		for _, id := range snap.Provenance[field] {
			obs, ok := byID[id]
			if !ok {
				return EntityView{}, e.classify(&Error{
					Code:    CodeProvenanceIntegrity,
					Message: fmt.Sprintf("snapshot %s field %q cites missing observation %s", entityID, field, id),
					Details: map[string]string{"snapshot_id": entityID, "field": field, "observation_id": id},
				})
			}
			fp.Observations = append(fp.Observations, obs)
			sourceIDs[obs.SourceID] = true
		}
		view.Provenance = append(view.Provenance, fp)
	}

	ids := make([]string, 0, len(sourceIDs))
	for id := range sourceIDs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		src, err := e.provider.GetSource(ctx, id)
		if err != nil {
			return EntityView{}, fmt.Errorf("provenance source %s: %w", id, err)
		}
		view.Sources = append(view.Sources, src)
	}
	return view, nil
}

// ListObservations returns every observation of entityID in reduction
// order.
func (e *Engine) ListObservations(ctx context.Context, entityID string) ([]ir.Observation, error) {
	if err := resolve.CheckEntityID(entityID); err != nil {
		return nil, e.classify(err)
	}
	ok, err := e.provider.EntityExists(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundf("entity %s does not exist", entityID)
	}
	return e.provider.ListObservations(ctx, entityID)
}

// GetRelationship returns one relationship snapshot.
func (e *Engine) GetRelationship(ctx context.Context, relationshipID string) (ir.RelationshipSnapshot, error) {
	snap, err := e.provider.GetRelationshipSnapshot(ctx, relationshipID)
	if store.IsNotFound(err) {
		return snap, notFoundf("relationship %s does not exist", relationshipID)
	}
	return snap, err
}

// ListRelationships returns the relationships touching filter.EntityID.
// Retracted edges are included only when IncludeDeleted is set.
func (e *Engine) ListRelationships(ctx context.Context, filter store.RelationshipFilter) ([]ir.RelationshipSnapshot, error) {
	if err := resolve.CheckEntityID(filter.EntityID); err != nil {
		return nil, e.classify(err)
	}
	switch filter.Direction {
	case "", store.Outgoing, store.Incoming, store.Both:
	default:
		return nil, validationf("direction %q is not one of outgoing, incoming, both", filter.Direction)
	}
	for _, t := range filter.Types {
		if !relationship.ValidType(t) {
			return nil, validationf("unknown relationship type %q", t)
		}
	}
	return e.provider.ListRelationshipSnapshots(ctx, filter)
}

// ListTimeline returns timeline events. From and To accept any date form
// NormalizeDate does and are inclusive.
func (e *Engine) ListTimeline(ctx context.Context, filter store.TimelineFilter) ([]ir.TimelineEvent, error) {
	if filter.EntityID != "" {
		if err := resolve.CheckEntityID(filter.EntityID); err != nil {
			return nil, e.classify(err)
		}
	}
	for _, bound := range []*string{&filter.From, &filter.To} {
		if *bound == "" {
			continue
		}
		d, err := timeline.NormalizeDate(*bound)
		if err != nil {
			return nil, validationf("timeline bound: %v", err)
		}
		*bound = d
	}
	if filter.To != "" && len(filter.To) == len("2006-01-02") {
		// A date-only upper bound covers the whole day: "T~" sorts after
		// every time of day.
		filter.To += "T~"
	}
	if filter.Limit < 0 {
		return nil, validationf("limit must not be negative")
	}
	return e.provider.ListTimeline(ctx, filter)
}

// SourceView is a source with its interpretation runs and fragments.
type SourceView struct {
	Source       ir.Source              `json:"source"`
	Runs         []ir.InterpretationRun `json:"runs"`
	Observations int                    `json:"observations"`
	Fragments    []ir.RawFragment       `json:"fragments"`
}

// GetSource returns a source and what was derived from it.
func (e *Engine) GetSource(ctx context.Context, sourceID string) (SourceView, error) {
	src, err := e.provider.GetSource(ctx, sourceID)
	if err != nil {
		if store.IsNotFound(err) {
			return SourceView{}, notFoundf("source %s does not exist", sourceID)
		}
		return SourceView{}, err
	}
	runs, err := e.provider.ListRuns(ctx, sourceID)
	if err != nil {
		return SourceView{}, err
	}
	observations, err := e.provider.ListObservationsBySource(ctx, sourceID)
	if err != nil {
		return SourceView{}, err
	}
	fragments, err := e.provider.ListRawFragments(ctx, sourceID)
	if err != nil {
		return SourceView{}, err
	}
	return SourceView{Source: src, Runs: runs, Observations: len(observations), Fragments: fragments}, nil
}

// ReadSource returns a source's raw bytes.
func (e *Engine) ReadSource(ctx context.Context, sourceID string) ([]byte, error) {
	src, err := e.provider.GetSource(ctx, sourceID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, notFoundf("source %s does not exist", sourceID)
		}
		return nil, err
	}
	return e.provider.ReadBlob(ctx, src.ContentHash)
}

// ListRawFragments returns the fragments preserved from sourceID.
func (e *Engine) ListRawFragments(ctx context.Context, sourceID string) ([]ir.RawFragment, error) {
	if _, err := e.provider.GetSource(ctx, sourceID); err != nil {
		if store.IsNotFound(err) {
			return nil, notFoundf("source %s does not exist", sourceID)
		}
		return nil, err
	}
	return e.provider.ListRawFragments(ctx, sourceID)
}

// GetSchema returns version of entityType, or the active version when
// version is zero.
func (e *Engine) GetSchema(ctx context.Context, entityType string, version int) (ir.SchemaDefinition, error) {
	var (
		def ir.SchemaDefinition
		err error
	)
	if version == 0 {
		def, err = e.schemas.GetActive(ctx, entityType)
	} else {
		def, err = e.schemas.Get(ctx, entityType, version)
	}
	return def, e.classify(err)
}

// ListSchemas returns the active version of every entity type.
func (e *Engine) ListSchemas(ctx context.Context) ([]ir.SchemaDefinition, error) {
	defs, err := e.schemas.List(ctx)
	return defs, e.classify(err)
}

// SchemaVersions returns every version of entityType, oldest first.
func (e *Engine) SchemaVersions(ctx context.Context, entityType string) ([]ir.SchemaDefinition, error) {
	defs, err := e.schemas.Versions(ctx, entityType)
	if err == nil && len(defs) == 0 {
		return nil, &Error{Code: CodeSchemaNotFound, Message: fmt.Sprintf("no schema versions for %s", entityType)}
	}
	return defs, e.classify(err)
}

// RegisterSchema appends a schema version without activating it.
func (e *Engine) RegisterSchema(ctx context.Context, def ir.SchemaDefinition) error {
	return e.classify(e.schemas.Register(ctx, def))
}

// ActivateSchema makes version the active version of entityType. Existing
// snapshots keep the version they were reduced with until their entity
// next changes.
func (e *Engine) ActivateSchema(ctx context.Context, entityType string, version int) error {
	return e.classify(e.schemas.Activate(ctx, entityType, version))
}

// PromoteSchema turns the active inferred schema of entityType into a
// curated version.
func (e *Engine) PromoteSchema(ctx context.Context, entityType string) (ir.SchemaDefinition, error) {
	def, err := e.schemas.Promote(ctx, entityType)
	return def, e.classify(err)
}
