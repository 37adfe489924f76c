package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/truthlayer/internal/ir"
)

// Snapshot is the golden form of a scenario execution: step records and
// the final state, with every id replaced by an alias. Hashes and
// timestamps are omitted so golden files can be read and edited by hand.
type Snapshot struct {
	ScenarioName string
	Steps        []StepRecord
	State        State
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Steps))
	for i, step := range s.Steps {
		m := map[string]any{"op": step.Op}
		if step.Outcome != "" {
			m["outcome"] = step.Outcome
		}
		if step.Error != "" {
			m["error"] = step.Error
		}
		if len(step.Entities) > 0 {
			aliases := make(ir.Array, len(step.Entities))
			for j, a := range step.Entities {
				aliases[j] = ir.String(a)
			}
			m["entities"] = aliases
		}
		steps[i] = m
	}

	entities := make([]any, len(s.State.Entities))
	for i, ent := range s.State.Entities {
		entities[i] = map[string]any{
			"id":             ent.Alias,
			"entity_type":    ent.EntityType,
			"schema_version": ent.SchemaVersion,
			"fields":         ent.Fields,
			"observations":   ent.Observations,
		}
	}

	relationships := make([]any, len(s.State.Relationships))
	for i, rel := range s.State.Relationships {
		relationships[i] = map[string]any{
			"type":         rel.Type,
			"from":         rel.From,
			"to":           rel.To,
			"deleted":      rel.Deleted,
			"contributing": rel.Contributing,
		}
	}

	events := make([]any, len(s.State.Timeline))
	for i, ev := range s.State.Timeline {
		events[i] = map[string]any{
			"entity":     ev.Entity,
			"event_type": ev.EventType,
			"event_date": ev.EventDate,
		}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"steps":         steps,
		"entities":      entities,
		"relationships": relationships,
		"timeline":      events,
	}
}

// MarshalSnapshot renders the golden form of a result.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	snap := Snapshot{ScenarioName: scenarioName, Steps: result.Steps, State: result.State}
	return ir.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass and Errors.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
