// Package reducer computes snapshots from observation sets.
//
// Everything here is a pure function of its arguments: the same
// observations and schema always produce byte-identical snapshots. Ordering
// never depends on map iteration; observations are ordered by
// (observed_at, seq, id) and fields are visited in sorted order.
package reducer

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/truthlayer/internal/ir"
)

// ProvenanceIntegrityError reports a snapshot field with no contributing
// observation. It always indicates a defect and must not be tolerated.
type ProvenanceIntegrityError struct {
	SnapshotID string
	Field      string
	Detail     string
}

func (e *ProvenanceIntegrityError) Error() string {
	return fmt.Sprintf("provenance integrity violated for %s field %q: %s", e.SnapshotID, e.Field, e.Detail)
}

// CompareObservations orders observations by observed_at, then store
// sequence, then id.
func CompareObservations(a, b ir.Observation) int {
	if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortObservations sorts observations in reduction order.
func SortObservations(observations []ir.Observation) {
	slices.SortStableFunc(observations, CompareObservations)
}

// ReduceEntity computes the snapshot of entityID from all of its
// observations under def. Fields with no declaration reduce with
// last_write. observations is not modified.
func ReduceEntity(entityID, entityType string, def ir.SchemaDefinition, observations []ir.Observation) (ir.EntitySnapshot, error) {
	ordered := slices.Clone(observations)
	SortObservations(ordered)

	snap := ir.EntitySnapshot{
		EntityID:                   entityID,
		EntityType:                 entityType,
		SchemaVersion:              def.Version,
		ContributingObservationIDs: make([]string, 0, len(ordered)),
	}
	for _, obs := range ordered {
		if obs.EntityID != entityID {
			return ir.EntitySnapshot{}, fmt.Errorf("reduce %s: observation %s belongs to %s", entityID, obs.ID, obs.EntityID)
		}
		snap.ContributingObservationIDs = append(snap.ContributingObservationIDs, obs.ID)
		// ordered is ascending, so the last observation is the latest.
		snap.ComputedAt = obs.ObservedAt
		snap.LastSeq = max(snap.LastSeq, obs.Seq)
	}

	fields, prov, err := reduceFields(ordered, func(field string) ir.MergePolicy {
		if fd, ok := def.Field(field); ok && fd.Policy != "" {
			return fd.Policy
		}
		return ir.LastWrite
	})
	if err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("reduce %s: %w", entityID, err)
	}
	snap.Fields = fields
	snap.Provenance = prov

	if err := checkProvenance(entityID, snap.Fields, snap.Provenance, snap.ContributingObservationIDs); err != nil {
		return ir.EntitySnapshot{}, err
	}

	hash, err := ir.SnapshotHash(snap.Body())
	if err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("reduce %s: %w", entityID, err)
	}
	snap.Hash = hash
	return snap, nil
}

// reduceFields groups ordered observations by field and applies each
// field's policy. It returns the reduced values and, per field, the ids of
// the observations the value came from.
func reduceFields(ordered []ir.Observation, policyOf func(string) ir.MergePolicy) (ir.Object, map[string][]string, error) {
	byField := make(map[string][]ir.Observation)
	for _, obs := range ordered {
		byField[obs.Field] = append(byField[obs.Field], obs)
	}

	fields := make(ir.Object, len(byField))
	prov := make(map[string][]string, len(byField))
	names := make([]string, 0, len(byField))
	for name := range byField {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		group := byField[name]
		var (
			value ir.Value
			ids   []string
			err   error
		)
		switch policy := policyOf(name); policy {
		case ir.LastWrite:
			value, ids = lastWrite(group)
		case ir.HighestPriority:
			value, ids = pickMax(group, func(o ir.Observation) int64 { return o.SourcePriority })
		case ir.MostSpecific:
			value, ids = pickMax(group, func(o ir.Observation) int64 { return o.SpecificityScore })
		case ir.MergeArray:
			value, ids, err = mergeArray(group)
			if err != nil {
				return nil, nil, fmt.Errorf("field %q: %w", name, err)
			}
		default:
			return nil, nil, fmt.Errorf("field %q: unknown merge policy %q", name, policy)
		}
		fields[name] = value
		prov[name] = ids
	}
	return fields, prov, nil
}

func lastWrite(group []ir.Observation) (ir.Value, []string) {
	last := group[len(group)-1]
	return last.Value, []string{last.ID}
}

// pickMax returns the observation with the highest score. Ties go to the
// later observation, i.e. last_write among the tied.
func pickMax(group []ir.Observation, score func(ir.Observation) int64) (ir.Value, []string) {
	best := group[0]
	for _, obs := range group[1:] {
		if score(obs) >= score(best) {
			best = obs
		}
	}
	return best.Value, []string{best.ID}
}

// mergeArray unions every value of the field in first-seen order. Array
// values contribute their elements; scalars contribute themselves.
func mergeArray(group []ir.Observation) (ir.Value, []string, error) {
	seen := make(map[string]bool)
	out := ir.Array{}
	ids := make([]string, 0, len(group))
	for _, obs := range group {
		elems, ok := obs.Value.(ir.Array)
		if !ok {
			elems = ir.Array{obs.Value}
		}
		for _, elem := range elems {
			key, err := ir.MarshalCanonical(elem)
			if err != nil {
				return nil, nil, err
			}
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
			out = append(out, elem)
		}
		ids = append(ids, obs.ID)
	}
	return out, ids, nil
}

func checkProvenance(id string, fields ir.Object, prov map[string][]string, contributing []string) error {
	known := make(map[string]bool, len(contributing))
	for _, cid := range contributing {
		known[cid] = true
	}
	for _, name := range fields.SortedKeys() {
		ids := prov[name]
		if len(ids) == 0 {
			return &ProvenanceIntegrityError{SnapshotID: id, Field: name, Detail: "no contributing observation"}
		}
		for _, oid := range ids {
			if !known[oid] {
				return &ProvenanceIntegrityError{SnapshotID: id, Field: name, Detail: fmt.Sprintf("observation %s is not a contributor", oid)}
			}
		}
	}
	return nil
}
