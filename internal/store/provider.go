package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

// ErrNotFound is returned by single-record reads when no row matches.
// It wraps sql.ErrNoRows so either can be tested with errors.Is.
var ErrNotFound = fmt.Errorf("not found: %w", sql.ErrNoRows)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Direction filters relationships by which end an entity is on.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// RelationshipFilter selects relationship snapshots touching an entity.
type RelationshipFilter struct {
	EntityID       string
	Direction      Direction // empty = Both
	Types          []string  // empty = all
	IncludeDeleted bool
}

// TimelineFilter selects timeline events. Zero fields do not filter.
// From and To are inclusive and compared against event_date text.
type TimelineFilter struct {
	EntityID   string
	EventTypes []string
	From       string
	To         string
	Limit      int
}

// Reader is the read side of the persistence provider.
type Reader interface {
	GetSource(ctx context.Context, id string) (ir.Source, error)
	FindSourceByKey(ctx context.Context, callerID, idempotencyKey string) (ir.Source, error)
	FindSourceByContent(ctx context.Context, callerID, contentHash string) (ir.Source, error)
	ReadBlob(ctx context.Context, contentHash string) ([]byte, error)

	GetRun(ctx context.Context, id string) (ir.InterpretationRun, error)
	ListRuns(ctx context.Context, sourceID string) ([]ir.InterpretationRun, error)

	GetObservation(ctx context.Context, id string) (ir.Observation, error)
	ListObservations(ctx context.Context, entityID string) ([]ir.Observation, error)
	ListObservationsBySource(ctx context.Context, sourceID string) ([]ir.Observation, error)
	EntityExists(ctx context.Context, entityID string) (bool, error)
	ListEntityIDs(ctx context.Context) ([]string, error)

	GetSnapshot(ctx context.Context, entityID string) (ir.EntitySnapshot, error)

	ListRelationshipObservations(ctx context.Context, relationshipID string) ([]ir.RelationshipObservation, error)
	GetRelationshipSnapshot(ctx context.Context, relationshipID string) (ir.RelationshipSnapshot, error)
	ListRelationshipSnapshots(ctx context.Context, filter RelationshipFilter) ([]ir.RelationshipSnapshot, error)
	ListRelationshipIDs(ctx context.Context) ([]string, error)

	ListTimeline(ctx context.Context, filter TimelineFilter) ([]ir.TimelineEvent, error)
	ListRawFragments(ctx context.Context, sourceID string) ([]ir.RawFragment, error)

	GetSchema(ctx context.Context, entityType string, version int) (ir.SchemaDefinition, error)
	GetActiveSchema(ctx context.Context, entityType string) (ir.SchemaDefinition, error)
	ListSchemas(ctx context.Context) ([]ir.SchemaDefinition, error)
	ListSchemaVersions(ctx context.Context, entityType string) ([]ir.SchemaDefinition, error)

	GetIdempotencyRecord(ctx context.Context, callerID, key string) (ir.IdempotencyRecord, error)
}

// Writer is the transactional write side. It embeds Reader so code inside
// a transaction reads its own writes.
type Writer interface {
	Reader

	// PutBlob stores raw bytes under their content hash. Storing the same
	// bytes twice is a no-op.
	PutBlob(ctx context.Context, contentHash string, data []byte) error
	// InsertSource appends a source. inserted is false when the id exists.
	InsertSource(ctx context.Context, src ir.Source) (inserted bool, err error)

	InsertRun(ctx context.Context, run ir.InterpretationRun) error
	// FinishRun records a running run's terminal state.
	FinishRun(ctx context.Context, id string, status ir.RunStatus, errMsg string, completedAt time.Time) error

	// AppendObservation inserts obs and sets obs.Seq to its insertion
	// sequence. inserted is false (and Seq is the existing row's) when the
	// id already exists.
	AppendObservation(ctx context.Context, obs *ir.Observation) (inserted bool, err error)
	PutSnapshot(ctx context.Context, snap ir.EntitySnapshot) error

	AppendRelationshipObservation(ctx context.Context, obs *ir.RelationshipObservation) (inserted bool, err error)
	PutRelationshipSnapshot(ctx context.Context, snap ir.RelationshipSnapshot) error

	// ReplaceTimeline swaps an entity's timeline events for events.
	ReplaceTimeline(ctx context.Context, entityID string, events []ir.TimelineEvent) error
	AppendRawFragment(ctx context.Context, frag ir.RawFragment) (inserted bool, err error)

	// InsertSchema appends a schema version. inserted is false when
	// (entity_type, version) exists.
	InsertSchema(ctx context.Context, def ir.SchemaDefinition) (inserted bool, err error)
	// ActivateSchema makes version the only active version of entityType.
	ActivateSchema(ctx context.Context, entityType string, version int) error

	PutIdempotencyRecord(ctx context.Context, rec ir.IdempotencyRecord) (inserted bool, err error)
}

// Provider is the persistence collaborator consumed by the engine.
type Provider interface {
	Reader
	// Update runs fn in one transaction; it commits when fn returns nil
	// and rolls back otherwise.
	Update(ctx context.Context, fn func(w Writer) error) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
