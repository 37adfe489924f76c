package harness

import "github.com/roach88/truthlayer/internal/ir"

// StepRecord is the observable outcome of one step. Ids are replaced by
// aliases so records are stable across runs.
type StepRecord struct {
	Op       string   `json:"op"`
	As       string   `json:"as,omitempty"`
	Outcome  string   `json:"outcome,omitempty"`
	Error    string   `json:"error,omitempty"`
	Entities []string `json:"entities,omitempty"`
}

// EntityState is one entity of the final state.
type EntityState struct {
	Alias         string    `json:"id"`
	EntityType    string    `json:"entity_type"`
	SchemaVersion int       `json:"schema_version"`
	Fields        ir.Object `json:"fields"`
	Observations  int       `json:"observations"`
}

// RelationshipState is one edge of the final state.
type RelationshipState struct {
	Type         string `json:"type"`
	From         string `json:"from"`
	To           string `json:"to"`
	Deleted      bool   `json:"deleted"`
	Contributing int    `json:"contributing"`
}

// TimelineState is one timeline event of the final state.
type TimelineState struct {
	Entity    string `json:"entity"`
	EventType string `json:"event_type"`
	EventDate string `json:"event_date"`
}

// State is the final store content, expressed with aliases.
type State struct {
	Entities      []EntityState       `json:"entities"`
	Relationships []RelationshipState `json:"relationships"`
	Timeline      []TimelineState     `json:"timeline"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Steps records each step in execution order.
	Steps []StepRecord `json:"steps"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final store content, captured after the last step.
	State State `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Steps: []StepRecord{},
		State: State{
			Entities:      []EntityState{},
			Relationships: []RelationshipState{},
			Timeline:      []TimelineState{},
		},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step record.
func (r *Result) AddStep(rec StepRecord) {
	r.Steps = append(r.Steps, rec)
}
