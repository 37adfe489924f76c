package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines an end-to-end truth layer scenario.
// Steps drive the engine in order; assertions then check the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Caller is the caller id used for every step. Default: "scenario".
	Caller string `yaml:"caller,omitempty"`

	// Schemas lists directories of .cue schema files loaded after the
	// built-in schemas. Paths are relative to the scenario file.
	Schemas []string `yaml:"schemas,omitempty"`

	// Steps are executed sequentially against a fresh store.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one engine request.
//
// Fields that name entities, sources or relationships accept references to
// earlier steps: "@name.entity" (first entity of step "name"),
// "@name.entity.1", "@name.source" and "@name.relationship".
type Step struct {
	// As names the step for later references.
	As string `yaml:"as,omitempty"`

	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Key is the idempotency key. Optional for relationship operations.
	Key string `yaml:"key,omitempty"`

	// Entities is the payload of store and correct.
	Entities []map[string]any `yaml:"entities,omitempty"`

	// Content, FileName, MimeType and Interpret configure ingest.
	Content   string `yaml:"content,omitempty"`
	FileName  string `yaml:"file_name,omitempty"`
	MimeType  string `yaml:"mime_type,omitempty"`
	Interpret bool   `yaml:"interpret,omitempty"`

	// DefaultEntityType is passed to the extractor for ingest and reinterpret.
	DefaultEntityType string `yaml:"default_entity_type,omitempty"`

	// Source is the source reinterpret runs over.
	Source string `yaml:"source,omitempty"`

	// Type, From, To and Metadata configure relationship operations.
	Type     string         `yaml:"type,omitempty"`
	From     string         `yaml:"from,omitempty"`
	To       string         `yaml:"to,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty"`

	// Expect checks the step's result. Nil expects outcome "created".
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected result of one step.
type Expect struct {
	// Outcome is created, deduplicated or failed.
	Outcome string `yaml:"outcome,omitempty"`

	// Error is the expected error code (e.g. VALIDATION_ERROR). A step with
	// an Error expectation has no other checks.
	Error string `yaml:"error,omitempty"`

	// Entities is the expected number of entities in the result.
	Entities *int `yaml:"entities,omitempty"`

	// Fields is a subset match against the first entity's fields.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Fragments is the expected number of raw fragments.
	Fragments *int `yaml:"fragments,omitempty"`

	// Deleted is the expected relationship state.
	Deleted *bool `yaml:"deleted,omitempty"`
}

// Step operations.
const (
	OpStore               = "store"
	OpCorrect             = "correct"
	OpIngest              = "ingest"
	OpReinterpret         = "reinterpret"
	OpCreateRelationship  = "relate.create"
	OpDeleteRelationship  = "relate.delete"
	OpRestoreRelationship = "relate.restore"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Table and Count are used by row_count.
	Table string `yaml:"table,omitempty"`
	Count *int   `yaml:"count,omitempty"`

	// Entity is a reference used by snapshot, observations and timeline.
	Entity string `yaml:"entity,omitempty"`

	// Fields is a subset match used by snapshot.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Field narrows observations and timeline to one field.
	Field string `yaml:"field,omitempty"`

	// Relationship, Deleted and Contributing are used by relationship.
	Relationship string `yaml:"relationship,omitempty"`
	Deleted      *bool  `yaml:"deleted,omitempty"`
	Contributing *int   `yaml:"contributing,omitempty"`
}

// Assertion type constants.
const (
	AssertRowCount     = "row_count"
	AssertSnapshot     = "snapshot"
	AssertObservations = "observations"
	AssertTimeline     = "timeline"
	AssertRelationship = "relationship"
	AssertReplayClean  = "replay_clean"
	AssertPrinciples   = "principles"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// Schema directories are resolved relative to the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, dir := range scenario.Schemas {
		if !filepath.IsAbs(dir) {
			scenario.Schemas[i] = filepath.Join(base, dir)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, dir := range s.Schemas {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("schema directory not found: %s", dir)
		}
	}

	names := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(i, step, names); err != nil {
			return err
		}
		if step.As != "" {
			if names[step.As] {
				return fmt.Errorf("steps[%d]: name %q is already used", i, step.As)
			}
			names[step.As] = true
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, names map[string]bool) error {
	switch step.Op {
	case OpStore, OpCorrect:
		if len(step.Entities) == 0 && !expectsError(step) {
			return fmt.Errorf("steps[%d]: entities are required for %s", i, step.Op)
		}
	case OpIngest:
		// Empty content is a valid (if pointless) source.
	case OpReinterpret:
		if step.Source == "" {
			return fmt.Errorf("steps[%d]: source is required for reinterpret", i)
		}
	case OpCreateRelationship, OpDeleteRelationship, OpRestoreRelationship:
		if step.Type == "" || step.From == "" || step.To == "" {
			return fmt.Errorf("steps[%d]: type, from and to are required for %s", i, step.Op)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}

	if step.Key == "" && !isRelationshipOp(step.Op) && !expectsError(step) {
		return fmt.Errorf("steps[%d]: key is required for %s", i, step.Op)
	}

	for _, ref := range []string{step.Source, step.From, step.To} {
		if name, ok := refName(ref); ok && !names[name] {
			return fmt.Errorf("steps[%d]: reference %q names no earlier step", i, ref)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertRowCount:
		if !validIdentifier.MatchString(a.Table) {
			return fmt.Errorf("assertions[%d]: table must be an identifier for row_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	case AssertSnapshot:
		if a.Entity == "" || len(a.Fields) == 0 {
			return fmt.Errorf("assertions[%d]: entity and fields are required for snapshot", index)
		}
	case AssertObservations, AssertTimeline:
		if a.Entity == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: entity and count are required for %s", index, a.Type)
		}
	case AssertRelationship:
		if a.Relationship == "" {
			return fmt.Errorf("assertions[%d]: relationship is required", index)
		}
	case AssertReplayClean, AssertPrinciples:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func expectsError(step Step) bool {
	return step.Expect != nil && step.Expect.Error != ""
}

func isRelationshipOp(op string) bool {
	return strings.HasPrefix(op, "relate.")
}

// refName returns the step name of a "@name.part" reference.
func refName(ref string) (string, bool) {
	if !strings.HasPrefix(ref, "@") {
		return "", false
	}
	name, _, _ := strings.Cut(ref[1:], ".")
	return name, true
}
