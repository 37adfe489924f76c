// Package relationship defines the typed edge vocabulary and builds
// relationship observations. Reduction lives in the reducer package.
package relationship

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

// Relationship types. The vocabulary is fixed.
const (
	PartOf      = "PART_OF"
	Corrects    = "CORRECTS"
	RefersTo    = "REFERS_TO"
	Settles     = "SETTLES"
	DuplicateOf = "DUPLICATE_OF"
	DependsOn   = "DEPENDS_ON"
	Supersedes  = "SUPERSEDES"
	Embeds      = "EMBEDS"
)

var vocabulary = []string{
	Corrects,
	DependsOn,
	DuplicateOf,
	Embeds,
	PartOf,
	RefersTo,
	Settles,
	Supersedes,
}

var (
	// ErrUnknownType is returned for a relationship type outside the vocabulary.
	ErrUnknownType = errors.New("unknown relationship type")
	// ErrSelfEdge is returned when source and target are the same entity.
	ErrSelfEdge = errors.New("relationship source and target are the same entity")
)

// Types returns the vocabulary in sorted order.
func Types() []string {
	return slices.Clone(vocabulary)
}

// ValidType reports whether t is in the vocabulary.
func ValidType(t string) bool {
	_, found := slices.BinarySearch(vocabulary, t)
	return found
}

// Key identifies one edge.
type Key struct {
	Type           string
	SourceEntityID string
	TargetEntityID string
}

// ID returns the content-addressed relationship id of the edge.
func (k Key) ID() string {
	return ir.RelationshipID(k.Type, k.SourceEntityID, k.TargetEntityID)
}

func (k Key) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", k.SourceEntityID, k.Type, k.TargetEntityID)
}

// Validate checks the type against the vocabulary and rejects self-edges.
func (k Key) Validate() error {
	if !ValidType(k.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, k.Type)
	}
	if k.SourceEntityID == "" || k.TargetEntityID == "" {
		return errors.New("relationship endpoints are required")
	}
	if k.SourceEntityID == k.TargetEntityID {
		return ErrSelfEdge
	}
	return nil
}

// NewObservation builds the observation asserting (deleted=false) or
// retracting (deleted=true) the edge k, attributed to sourceID. Seq is
// assigned by the store.
func NewObservation(k Key, sourceID string, deleted bool, metadata ir.Object, observedAt time.Time) (ir.RelationshipObservation, error) {
	if err := k.Validate(); err != nil {
		return ir.RelationshipObservation{}, err
	}
	if metadata == nil {
		metadata = ir.Object{}
	}
	relID := k.ID()
	id, err := ir.RelationshipObservationID(sourceID, relID, deleted, metadata)
	if err != nil {
		return ir.RelationshipObservation{}, fmt.Errorf("relationship %s: %w", k, err)
	}
	return ir.RelationshipObservation{
		ID:               id,
		RelationshipID:   relID,
		RelationshipType: k.Type,
		SourceEntityID:   k.SourceEntityID,
		TargetEntityID:   k.TargetEntityID,
		SourceID:         sourceID,
		Deleted:          deleted,
		Metadata:         metadata,
		ObservedAt:       observedAt.UTC(),
	}, nil
}
