package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainSource                  = "truth/source/v1"
	DomainEntity                  = "truth/entity/v1"
	DomainObservation             = "truth/observation/v1"
	DomainRelationship            = "truth/relationship/v1"
	DomainRelationshipObservation = "truth/relationship-observation/v1"
	DomainSnapshot                = "truth/snapshot/v1"
	DomainTimeline                = "truth/timeline/v1"
	DomainFragment                = "truth/fragment/v1"
	DomainRequest                 = "truth/request/v1"
	DomainSchema                  = "truth/schema/v1"
)

// EntityIDPrefix prefixes every resolved entity id.
const EntityIDPrefix = "ent_"

// RelationshipIDPrefix prefixes every relationship edge id.
const RelationshipIDPrefix = "rel_"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func hashObject(domain string, obj Object) (string, error) {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domain, canonical), nil
}

// ContentHash is the plain SHA-256 of raw source bytes, used to key blobs.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SourceID computes the id of the Source created for (caller, idempotency key).
// Two keys pointing at identical bytes still get distinct Sources.
func SourceID(callerID, idempotencyKey string) string {
	id, _ := hashObject(DomainSource, Object{
		"caller_id":       String(callerID),
		"idempotency_key": String(idempotencyKey),
	})
	return id
}

// EntityID derives a stable entity id from the entity type and an already
// normalized identity object. Never random, never time-based.
func EntityID(entityType string, identity Object) (string, error) {
	id, err := hashObject(DomainEntity, Object{
		"entity_type": String(entityType),
		"identity":    identity,
	})
	if err != nil {
		return "", fmt.Errorf("EntityID: failed to marshal: %w", err)
	}
	return EntityIDPrefix + id[:32], nil
}

// RelationshipID computes the id of the edge (type, source, target).
func RelationshipID(relationshipType, sourceEntityID, targetEntityID string) string {
	id, _ := hashObject(DomainRelationship, Object{
		"relationship_type": String(relationshipType),
		"source_entity_id":  String(sourceEntityID),
		"target_entity_id":  String(targetEntityID),
	})
	return RelationshipIDPrefix + id[:32]
}

// ObservationID computes the content-addressed id of an observation.
// ordinal is the position of the observation within its request, so two
// identical facts in one payload remain distinct rows.
func ObservationID(sourceID, runID, entityID, field string, value Value, ordinal int64) (string, error) {
	id, err := hashObject(DomainObservation, Object{
		"source_id": String(sourceID),
		"run_id":    String(runID),
		"entity_id": String(entityID),
		"field":     String(field),
		"value":     value,
		"ordinal":   Int(ordinal),
	})
	if err != nil {
		return "", fmt.Errorf("ObservationID: failed to marshal: %w", err)
	}
	return id, nil
}

// RelationshipObservationID computes the id of a relationship observation.
func RelationshipObservationID(sourceID, relationshipID string, deleted bool, metadata Object) (string, error) {
	if metadata == nil {
		metadata = Object{}
	}
	id, err := hashObject(DomainRelationshipObservation, Object{
		"source_id":       String(sourceID),
		"relationship_id": String(relationshipID),
		"deleted":         Bool(deleted),
		"metadata":        metadata,
	})
	if err != nil {
		return "", fmt.Errorf("RelationshipObservationID: failed to marshal: %w", err)
	}
	return id, nil
}

// SnapshotHash hashes a canonical snapshot body.
func SnapshotHash(body Object) (string, error) {
	id, err := hashObject(DomainSnapshot, body)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: failed to marshal: %w", err)
	}
	return id, nil
}

// TimelineEventID computes the id of the event for one dated field value.
// The id does not depend on which observation produced the date, so a
// correction to a different date yields a different event.
func TimelineEventID(entityID, field, eventDate string) string {
	id, _ := hashObject(DomainTimeline, Object{
		"entity_id":  String(entityID),
		"field":      String(field),
		"event_date": String(eventDate),
	})
	return id
}

// FragmentID computes the id of a raw fragment preserved from a run.
func FragmentID(sourceID, runID, entityType, rawKey string, rawValue Value, ordinal int64) (string, error) {
	id, err := hashObject(DomainFragment, Object{
		"source_id":   String(sourceID),
		"run_id":      String(runID),
		"entity_type": String(entityType),
		"raw_key":     String(rawKey),
		"raw_value":   rawValue,
		"ordinal":     Int(ordinal),
	})
	if err != nil {
		return "", fmt.Errorf("FragmentID: failed to marshal: %w", err)
	}
	return id, nil
}

// RequestHash fingerprints a mutating request payload. Stored with the
// idempotency record to detect a key reused with a different payload.
func RequestHash(operation string, payload Value) (string, error) {
	id, err := hashObject(DomainRequest, Object{
		"operation": String(operation),
		"payload":   payload,
	})
	if err != nil {
		return "", fmt.Errorf("RequestHash: failed to marshal: %w", err)
	}
	return id, nil
}

// SchemaHash fingerprints a schema definition's shape, ignoring activation
// state and registration time.
func SchemaHash(def SchemaDefinition) string {
	id, _ := hashObject(DomainSchema, def.Body())
	return id
}

// MustObservationID is like ObservationID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustObservationID(sourceID, runID, entityID, field string, value Value, ordinal int64) string {
	id, err := ObservationID(sourceID, runID, entityID, field, value, ordinal)
	if err != nil {
		panic(err)
	}
	return id
}

// MustEntityID is like EntityID but panics on error.
func MustEntityID(entityType string, identity Object) string {
	id, err := EntityID(entityType, identity)
	if err != nil {
		panic(err)
	}
	return id
}
