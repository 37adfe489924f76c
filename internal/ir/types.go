package ir

import (
	"slices"
	"time"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInt     FieldType = "int"
	FieldDecimal FieldType = "decimal"
	FieldBool    FieldType = "bool"
	FieldDate    FieldType = "date"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
	FieldAny     FieldType = "any"
)

// ValidFieldTypes defines allowed field types.
var ValidFieldTypes = map[FieldType]bool{
	FieldString:  true,
	FieldInt:     true,
	FieldDecimal: true,
	FieldBool:    true,
	FieldDate:    true,
	FieldArray:   true,
	FieldObject:  true,
	FieldAny:     true,
}

// MergePolicy selects how a field's observations reduce to one value.
// The set is closed.
type MergePolicy string

const (
	LastWrite       MergePolicy = "last_write"
	HighestPriority MergePolicy = "highest_priority"
	MostSpecific    MergePolicy = "most_specific"
	MergeArray      MergePolicy = "merge_array"
)

// ValidMergePolicies defines allowed merge policies.
var ValidMergePolicies = map[MergePolicy]bool{
	LastWrite:       true,
	HighestPriority: true,
	MostSpecific:    true,
	MergeArray:      true,
}

// FieldDef declares one field of an entity type.
type FieldDef struct {
	Name     string      `json:"name"`
	Type     FieldType   `json:"type"`
	Policy   MergePolicy `json:"policy"`
	Required bool        `json:"required,omitempty"`
}

// SchemaDefinition is one version of an entity type's shape and merge policy.
// Fields are kept sorted by name.
type SchemaDefinition struct {
	EntityType  string     `json:"entity_type"`
	Version     int        `json:"version"`
	Description string     `json:"description,omitempty"`
	Identity    []string   `json:"identity"`
	Fields      []FieldDef `json:"fields"`
	Inferred    bool       `json:"inferred"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Field returns the declaration for name.
func (d SchemaDefinition) Field(name string) (FieldDef, bool) {
	i, found := slices.BinarySearchFunc(d.Fields, name, func(f FieldDef, n string) int {
		return compareUTF16(f.Name, n)
	})
	if !found {
		return FieldDef{}, false
	}
	return d.Fields[i], true
}

// SortFields orders Fields by name so lookups and hashing are stable.
func (d *SchemaDefinition) SortFields() {
	slices.SortFunc(d.Fields, func(a, b FieldDef) int {
		return compareUTF16(a.Name, b.Name)
	})
}

// Body is the canonical shape of the definition: everything except
// activation state and registration time.
func (d SchemaDefinition) Body() Object {
	fields := make(Object, len(d.Fields))
	for _, f := range d.Fields {
		policy := f.Policy
		if policy == "" {
			policy = LastWrite
		}
		fields[f.Name] = Object{
			"type":     String(f.Type),
			"policy":   String(policy),
			"required": Bool(f.Required),
		}
	}
	identity := make(Array, len(d.Identity))
	for i, name := range d.Identity {
		identity[i] = String(name)
	}
	return Object{
		"entity_type": String(d.EntityType),
		"version":     Int(d.Version),
		"description": String(d.Description),
		"identity":    identity,
		"fields":      fields,
		"inferred":    Bool(d.Inferred),
	}
}

// Source is a stored raw payload. Immutable once created.
type Source struct {
	ID             string    `json:"id"`
	CallerID       string    `json:"caller_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	ContentHash    string    `json:"content_hash"`
	MimeType       string    `json:"mime_type"`
	Size           int64     `json:"size"`
	FileName       string    `json:"file_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RunStatus is the lifecycle state of an interpretation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// InterpretationRun is one execution of extraction over a Source.
// A new run is created for every trigger; old runs are never edited beyond
// recording their terminal state.
type InterpretationRun struct {
	ID             string         `json:"id"`
	SourceID       string         `json:"source_id"`
	Trigger        string         `json:"trigger"`
	Extractor      string         `json:"extractor"`
	Config         string         `json:"config"` // canonical JSON, recorded verbatim
	SchemaVersions map[string]int `json:"schema_versions"`
	Status         RunStatus      `json:"status"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ObservationKind records how an observation entered the system.
type ObservationKind string

const (
	KindStructured  ObservationKind = "structured"
	KindInterpreted ObservationKind = "interpreted"
	KindCorrection  ObservationKind = "correction"
)

// Observation is one immutable fact about one field of one entity.
type Observation struct {
	ID               string          `json:"id"`
	EntityID         string          `json:"entity_id"`
	EntityType       string          `json:"entity_type"`
	Field            string          `json:"field"`
	Value            Value           `json:"value"`
	SourceID         string          `json:"source_id"`
	RunID            string          `json:"interpretation_run_id,omitempty"` // empty for structured input
	Kind             ObservationKind `json:"kind"`
	SourcePriority   int64           `json:"source_priority"`
	SpecificityScore int64           `json:"specificity_score"`
	SchemaVersion    int             `json:"schema_version"`
	ObservedAt       time.Time       `json:"observed_at"`
	Seq              int64           `json:"seq"` // store-assigned insertion sequence
}

// EntitySnapshot is the reducer output for one entity. It is a cache of the
// entity's observations and is replaced on every recompute.
type EntitySnapshot struct {
	EntityID                   string              `json:"entity_id"`
	EntityType                 string              `json:"entity_type"`
	SchemaVersion              int                 `json:"schema_version"`
	Fields                     Object              `json:"fields"`
	Provenance                 map[string][]string `json:"provenance"`
	ContributingObservationIDs []string            `json:"contributing_observation_ids"`
	ComputedAt                 time.Time           `json:"computed_at"`
	LastSeq                    int64               `json:"last_seq"`
	Hash                       string              `json:"hash"`
}

// Body is the canonical, hashable form of the snapshot. The store-assigned
// LastSeq is excluded so the hash depends only on observation content.
func (s EntitySnapshot) Body() Object {
	return Object{
		"entity_id":                    String(s.EntityID),
		"entity_type":                  String(s.EntityType),
		"schema_version":               Int(s.SchemaVersion),
		"fields":                       nonNilObject(s.Fields),
		"provenance":                   provenanceObject(s.Provenance),
		"contributing_observation_ids": stringArray(s.ContributingObservationIDs),
		"computed_at":                  String(FormatTime(s.ComputedAt)),
	}
}

// RelationshipObservation asserts (or retracts, via Deleted) a typed edge.
type RelationshipObservation struct {
	ID               string    `json:"id"`
	RelationshipID   string    `json:"relationship_id"`
	RelationshipType string    `json:"relationship_type"`
	SourceEntityID   string    `json:"source_entity_id"`
	TargetEntityID   string    `json:"target_entity_id"`
	SourceID         string    `json:"source_id"`
	Deleted          bool      `json:"deleted"`
	Metadata         Object    `json:"metadata"`
	ObservedAt       time.Time `json:"observed_at"`
	Seq              int64     `json:"seq"`
}

// RelationshipSnapshot is the reducer output for one edge.
type RelationshipSnapshot struct {
	ID                         string              `json:"id"`
	RelationshipType           string              `json:"relationship_type"`
	SourceEntityID             string              `json:"source_entity_id"`
	TargetEntityID             string              `json:"target_entity_id"`
	Deleted                    bool                `json:"deleted"`
	Metadata                   Object              `json:"metadata"`
	Provenance                 map[string][]string `json:"provenance"`
	ContributingObservationIDs []string            `json:"contributing_observation_ids"`
	ComputedAt                 time.Time           `json:"computed_at"`
	LastSeq                    int64               `json:"last_seq"`
	Hash                       string              `json:"hash"`
}

// Body is the canonical, hashable form of the relationship snapshot.
func (s RelationshipSnapshot) Body() Object {
	return Object{
		"id":                           String(s.ID),
		"relationship_type":            String(s.RelationshipType),
		"source_entity_id":             String(s.SourceEntityID),
		"target_entity_id":             String(s.TargetEntityID),
		"deleted":                      Bool(s.Deleted),
		"metadata":                     nonNilObject(s.Metadata),
		"provenance":                   provenanceObject(s.Provenance),
		"contributing_observation_ids": stringArray(s.ContributingObservationIDs),
		"computed_at":                  String(FormatTime(s.ComputedAt)),
	}
}

// TimelineEvent is a dated item projected from a declared date field.
type TimelineEvent struct {
	ID                   string   `json:"id"`
	EntityID             string   `json:"entity_id"`
	EntityType           string   `json:"entity_type"`
	EventType            string   `json:"event_type"`
	Field                string   `json:"field"`
	EventDate            string   `json:"event_date"`
	SourceObservationIDs []string `json:"source_observation_ids"`
}

// RawFragment preserves a candidate that failed validation or matched no
// declared field.
type RawFragment struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	RunID      string    `json:"interpretation_run_id,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	RawKey     string    `json:"raw_key"`
	RawValue   Value     `json:"raw_value"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// IdempotencyRecord is the recorded outcome of one (caller, key) request.
type IdempotencyRecord struct {
	CallerID    string    `json:"caller_id"`
	Key         string    `json:"key"`
	Operation   string    `json:"operation"`
	RequestHash string    `json:"request_hash"`
	SourceID    string    `json:"source_id,omitempty"`
	Result      []byte    `json:"result"` // canonical JSON
	CreatedAt   time.Time `json:"created_at"`
}

func nonNilObject(o Object) Object {
	if o == nil {
		return Object{}
	}
	return o
}

func stringArray(ss []string) Array {
	arr := make(Array, len(ss))
	for i, s := range ss {
		arr[i] = String(s)
	}
	return arr
}

func provenanceObject(p map[string][]string) Object {
	obj := make(Object, len(p))
	for k, ids := range p {
		obj[k] = stringArray(ids)
	}
	return obj
}
