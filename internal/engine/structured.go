package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/resolve"
	"github.com/roach88/truthlayer/internal/schema"
	"github.com/roach88/truthlayer/internal/store"
)

// Reserved payload keys. They steer processing and are never stored as
// fields.
const (
	KeyEntityType       = "entity_type"
	KeyEntityID         = "entity_id"
	KeySourcePriority   = "source_priority"
	KeySpecificityScore = "specificity_score"
)

// StoreRequest is a structured store or correction.
type StoreRequest struct {
	CallerID       string
	IdempotencyKey string
	// Entities are payload objects: entity_type plus fields, optionally
	// entity_id, source_priority and specificity_score.
	Entities []ir.Object
}

// StoreResult reports a structured store or correction.
type StoreResult struct {
	Outcome     Outcome         `json:"outcome"`
	SourceID    string          `json:"source_id"`
	Entities    []EntitySummary `json:"entities"`
	FragmentIDs []string        `json:"fragment_ids,omitempty"`
}

// EntitySummary describes one entity a request touched, as of the
// request's commit.
type EntitySummary struct {
	EntityID       string    `json:"entity_id"`
	EntityType     string    `json:"entity_type"`
	SchemaVersion  int       `json:"schema_version"`
	Fields         ir.Object `json:"fields"`
	ObservationIDs []string  `json:"observation_ids"`
	SnapshotHash   string    `json:"snapshot_hash"`
}

// Store appends the observations of a structured payload and recomputes
// the affected snapshots.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	return e.storeStructured(ctx, OpStore, req)
}

// Correct is Store with every observation marked as a correction: source
// priority is the correction priority and specificity is maximal, so a
// correction wins every policy except last_write against later input.
// The entities must already exist. Prior observations are never edited.
func (e *Engine) Correct(ctx context.Context, req StoreRequest) (StoreResult, error) {
	return e.storeStructured(ctx, OpCorrect, req)
}

// entityPlan is one validated payload entity.
type entityPlan struct {
	entityType string
	entityID   string
	explicitID bool
	def        ir.SchemaDefinition
	fields     ir.Object // validated values only
	priority   int64
	specific   int64
	fragments  []ir.RawFragment
	required   []string // required fields absent from the payload
}

func (e *Engine) storeStructured(ctx context.Context, op string, req StoreRequest) (StoreResult, error) {
	payload := make(ir.Array, len(req.Entities))
	for i, ent := range req.Entities {
		payload[i] = ent
	}
	r, err := e.newRequest(op, req.CallerID, req.IdempotencyKey, ir.Object{"entities": payload})
	if err != nil {
		return StoreResult{}, err
	}

	result, dedup, err := runIdempotent(ctx, e, r, func(ctx context.Context, commit commitFunc[StoreResult]) error {
		return e.executeStore(ctx, op, req, payload, commit)
	})
	if dedup {
		result.Outcome = OutcomeDeduplicated
	}
	return result, err
}

func (e *Engine) executeStore(ctx context.Context, op string, req StoreRequest, payload ir.Array, commit commitFunc[StoreResult]) error {
	if len(req.Entities) == 0 {
		return validationf("%s: at least one entity is required", op)
	}
	correction := op == OpCorrect

	data, err := ir.MarshalCanonical(ir.Object{"entities": payload})
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

	// Schemas are captured once per entity type, before any lock or
	// transaction, and every entity of that type is planned under it.
	defs, err := e.captureSchemas(ctx, req.Entities)
	if err != nil {
		return err
	}
	plans := make([]entityPlan, len(req.Entities))
	var ordinal int64
	for i, ent := range req.Entities {
		plan, err := e.planEntity(src, ent, defs, correction, &ordinal, now)
		if err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
		plans[i] = plan
	}

	observations := make([][]ir.Observation, len(plans))
	kind := ir.KindStructured
	if correction {
		kind = ir.KindCorrection
	}
	ordinal = 0
	var ids []string
	for i, p := range plans {
		ids = append(ids, p.entityID)
		for _, name := range p.fields.SortedKeys() {
			value := p.fields[name]
			id, err := ir.ObservationID(src.ID, "", p.entityID, name, value, ordinal)
			if err != nil {
				return validationf("%s: field %s: %v", p.entityType, name, err)
			}
			ordinal++
			observations[i] = append(observations[i], ir.Observation{
				ID:               id,
				EntityID:         p.entityID,
				EntityType:       p.entityType,
				Field:            name,
				Value:            value,
				SourceID:         src.ID,
				Kind:             kind,
				SourcePriority:   p.priority,
				SpecificityScore: p.specific,
				SchemaVersion:    p.def.Version,
				ObservedAt:       now,
			})
		}
	}

	release, err := e.lockEntities(ctx, ids)
	if err != nil {
		return err
	}
	defer release()

	return e.provider.Update(ctx, func(w store.Writer) error {
		for _, p := range plans {
			if err := checkEntity(ctx, w, p, correction); err != nil {
				return err
			}
		}
		if err := w.PutBlob(ctx, src.ContentHash, data); err != nil {
			return err
		}
		if _, err := w.InsertSource(ctx, src); err != nil {
			return err
		}

		result := StoreResult{Outcome: OutcomeCreated, SourceID: src.ID}
		appended, fragments := 0, 0
		for i, p := range plans {
			obsIDs := make([]string, 0, len(observations[i]))
			for j := range observations[i] {
				obs := &observations[i][j]
				if _, err := w.AppendObservation(ctx, obs); err != nil {
					return err
				}
				obsIDs = append(obsIDs, obs.ID)
				appended++
			}
			for _, frag := range p.fragments {
				if _, err := w.AppendRawFragment(ctx, frag); err != nil {
					return err
				}
				result.FragmentIDs = append(result.FragmentIDs, frag.ID)
				fragments++
			}
			result.Entities = append(result.Entities, EntitySummary{
				EntityID:       p.entityID,
				EntityType:     p.entityType,
				SchemaVersion:  p.def.Version,
				ObservationIDs: obsIDs,
			})
		}

		snaps := make(map[string]ir.EntitySnapshot)
		for _, p := range plans {
			if _, done := snaps[p.entityID]; done {
				continue
			}
			snap, err := e.recomputeEntity(ctx, w, p.entityID, p.entityType, p.def)
			if err != nil {
				return err
			}
			snaps[p.entityID] = snap
		}
		for i := range result.Entities {
			snap := snaps[result.Entities[i].EntityID]
			result.Entities[i].Fields = snap.Fields
			result.Entities[i].SnapshotHash = snap.Hash
		}

		e.metrics.Appended(appended)
		e.metrics.Fragments(fragments)
		return commit(ctx, w, src.ID, result)
	})
}

// captureSchemas resolves the active schema of every entity type in the
// payload once, from the union of that type's fields, so all entities of a
// type are validated and reduced under the same version.
func (e *Engine) captureSchemas(ctx context.Context, entities []ir.Object) (map[string]ir.SchemaDefinition, error) {
	fieldsByType := map[string]ir.Object{}
	var order []string
	for i, ent := range entities {
		entityType, err := payloadType(ent)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		obj, ok := fieldsByType[entityType]
		if !ok {
			obj = ir.Object{}
			fieldsByType[entityType] = obj
			order = append(order, entityType)
		}
		for k, v := range payloadFields(ent) {
			if cur, seen := obj[k]; !seen || isNull(cur) {
				obj[k] = v
			}
		}
	}
	slices.Sort(order)

	defs := make(map[string]ir.SchemaDefinition, len(order))
	for _, t := range order {
		if len(fieldsByType[t]) == 0 {
			return nil, validationf("%s entity has no fields", t)
		}
		def, err := e.schemas.EnsureActive(ctx, t, fieldsByType[t])
		if err != nil {
			return nil, err
		}
		defs[t] = def
	}
	return defs, nil
}

func payloadType(ent ir.Object) (string, error) {
	entityType, ok := ent[KeyEntityType].(ir.String)
	if !ok || entityType == "" {
		return "", validationf("%s is required and must be a string", KeyEntityType)
	}
	return string(entityType), nil
}

// payloadFields is ent without its reserved keys.
func payloadFields(ent ir.Object) ir.Object {
	raw := ir.Object{}
	for k, v := range ent {
		switch k {
		case KeyEntityType, KeyEntityID, KeySourcePriority, KeySpecificityScore:
			continue
		}
		raw[k] = v
	}
	return raw
}

// planEntity validates one payload entity against its captured schema and
// resolves its id. Undeclared and null fields become raw fragments; a
// declared field whose value does not fit is a validation error.
func (e *Engine) planEntity(src ir.Source, ent ir.Object, defs map[string]ir.SchemaDefinition, correction bool, ordinal *int64, now time.Time) (entityPlan, error) {
	entityType, err := payloadType(ent)
	if err != nil {
		return entityPlan{}, err
	}
	p := entityPlan{entityType: entityType}

	p.priority = e.priorities.Structured
	p.specific = structuredSpecificity
	if correction {
		p.priority = e.priorities.Correction
		p.specific = math.MaxInt64
	}
	if v, present := ent[KeySourcePriority]; present {
		n, ok := v.(ir.Int)
		if !ok {
			return entityPlan{}, validationf("%s must be an integer", KeySourcePriority)
		}
		if !correction && int64(n) >= e.priorities.Correction {
			return entityPlan{}, validationf("%s %d must be below the correction priority %d",
				KeySourcePriority, n, e.priorities.Correction)
		}
		p.priority = int64(n)
	}
	if v, present := ent[KeySpecificityScore]; present {
		n, ok := v.(ir.Int)
		if !ok || n < 0 {
			return entityPlan{}, validationf("%s must be a non-negative integer", KeySpecificityScore)
		}
		p.specific = int64(n)
	}

	raw := payloadFields(ent)
	if len(raw) == 0 {
		return entityPlan{}, validationf("%s entity has no fields", entityType)
	}
	def := defs[entityType]
	p.def = def

	p.fields = ir.Object{}
	for _, name := range raw.SortedKeys() {
		value := raw[name]
		reason := ""
		if _, declared := def.Field(name); !declared {
			reason = fmt.Sprintf("no declared field in %s v%d", def.EntityType, def.Version)
		} else if isNull(value) {
			reason = "null value"
		}
		if reason != "" {
			frag, err := newFragment(src.ID, p.entityType, name, value, *ordinal, reason, now)
			if err != nil {
				return entityPlan{}, err
			}
			*ordinal++
			p.fragments = append(p.fragments, frag)
			continue
		}
		v, err := schema.Validate(def, name, value)
		if err != nil {
			return entityPlan{}, err
		}
		p.fields[name] = v
	}
	if len(p.fields) == 0 {
		return entityPlan{}, validationf("%s entity has no declared fields", entityType)
	}

	if v, present := ent[KeyEntityID]; present {
		id, ok := v.(ir.String)
		if !ok {
			return entityPlan{}, validationf("%s must be a string", KeyEntityID)
		}
		if err := resolve.CheckEntityID(string(id)); err != nil {
			return entityPlan{}, err
		}
		p.entityID = string(id)
		p.explicitID = true
	} else {
		id, err := resolve.Resolve(p.entityType, resolve.IdentityOf(def, p.fields))
		if err != nil {
			return entityPlan{}, err
		}
		p.entityID = id
	}

	if !correction && !p.explicitID {
		var missing []string
		for _, f := range def.Fields {
			if _, ok := p.fields[f.Name]; f.Required && !ok {
				missing = append(missing, f.Name)
			}
		}
		p.required = missing
	}
	return p, nil
}

// checkEntity enforces what can only be known under the entity lock:
// corrections and explicit ids must name an existing entity of the same
// type, and a new entity must carry its required fields.
func checkEntity(ctx context.Context, w store.Reader, p entityPlan, correction bool) error {
	snap, err := w.GetSnapshot(ctx, p.entityID)
	switch {
	case store.IsNotFound(err):
		if correction || p.explicitID {
			return notFoundf("entity %s does not exist", p.entityID)
		}
		if len(p.required) > 0 {
			return validationf("new %s entity is missing required fields %v", p.entityType, p.required)
		}
		return nil
	case err != nil:
		return err
	}
	if snap.EntityType != p.entityType {
		return validationf("entity %s is a %s, not a %s", p.entityID, snap.EntityType, p.entityType)
	}
	return nil
}

func newFragment(sourceID, entityType, key string, value ir.Value, ordinal int64, reason string, now time.Time) (ir.RawFragment, error) {
	if value == nil {
		value = ir.Null{}
	}
	id, err := ir.FragmentID(sourceID, "", entityType, key, value, ordinal)
	if err != nil {
		return ir.RawFragment{}, validationf("%s: field %s: %v", entityType, key, err)
	}
	return ir.RawFragment{
		ID:         id,
		SourceID:   sourceID,
		EntityType: entityType,
		RawKey:     key,
		RawValue:   value,
		Reason:     reason,
		CreatedAt:  now,
	}, nil
}

func isNull(v ir.Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(ir.Null)
	return ok
}
