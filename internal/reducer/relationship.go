package reducer

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/truthlayer/internal/ir"
)

// DeletedField is the provenance key of the deletion marker.
const DeletedField = "deleted"

// metadataPrefix namespaces metadata keys in relationship provenance.
const metadataPrefix = "metadata."

// CompareRelationshipObservations orders relationship observations like
// CompareObservations.
func CompareRelationshipObservations(a, b ir.RelationshipObservation) int {
	if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ReduceRelationship computes the snapshot of edge relationshipID. Each
// observation is expanded into a "deleted" field and one field per metadata
// key, all reduced with last_write, so deletion and restoration are ordinary
// observations rather than tombstones.
func ReduceRelationship(relationshipID string, observations []ir.RelationshipObservation) (ir.RelationshipSnapshot, error) {
	if len(observations) == 0 {
		return ir.RelationshipSnapshot{}, fmt.Errorf("reduce %s: no observations", relationshipID)
	}
	ordered := slices.Clone(observations)
	slices.SortStableFunc(ordered, CompareRelationshipObservations)

	first := ordered[0]
	snap := ir.RelationshipSnapshot{
		ID:                         relationshipID,
		RelationshipType:           first.RelationshipType,
		SourceEntityID:             first.SourceEntityID,
		TargetEntityID:             first.TargetEntityID,
		ContributingObservationIDs: make([]string, 0, len(ordered)),
	}

	var expanded []ir.Observation
	for _, obs := range ordered {
		if obs.RelationshipID != relationshipID ||
			obs.RelationshipType != snap.RelationshipType ||
			obs.SourceEntityID != snap.SourceEntityID ||
			obs.TargetEntityID != snap.TargetEntityID {
			return ir.RelationshipSnapshot{}, fmt.Errorf("reduce %s: observation %s belongs to another edge", relationshipID, obs.ID)
		}
		snap.ContributingObservationIDs = append(snap.ContributingObservationIDs, obs.ID)
		snap.ComputedAt = obs.ObservedAt
		snap.LastSeq = max(snap.LastSeq, obs.Seq)

		expanded = append(expanded, ir.Observation{
			ID:         obs.ID,
			Field:      DeletedField,
			Value:      ir.Bool(obs.Deleted),
			ObservedAt: obs.ObservedAt,
			Seq:        obs.Seq,
		})
		for _, k := range obs.Metadata.SortedKeys() {
			expanded = append(expanded, ir.Observation{
				ID:         obs.ID,
				Field:      metadataPrefix + k,
				Value:      obs.Metadata[k],
				ObservedAt: obs.ObservedAt,
				Seq:        obs.Seq,
			})
		}
	}

	fields, prov, err := reduceFields(expanded, func(string) ir.MergePolicy { return ir.LastWrite })
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("reduce %s: %w", relationshipID, err)
	}
	if err := checkProvenance(relationshipID, fields, prov, snap.ContributingObservationIDs); err != nil {
		return ir.RelationshipSnapshot{}, err
	}

	snap.Metadata = ir.Object{}
	for name, v := range fields {
		if name == DeletedField {
			snap.Deleted = bool(v.(ir.Bool))
			continue
		}
		snap.Metadata[strings.TrimPrefix(name, metadataPrefix)] = v
	}
	snap.Provenance = prov

	hash, err := ir.SnapshotHash(snap.Body())
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("reduce %s: %w", relationshipID, err)
	}
	snap.Hash = hash
	return snap, nil
}
