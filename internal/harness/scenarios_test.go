package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata/scenarios and compares
// its snapshot with testdata/golden/<name>.golden. These scenarios serve as:
// 1. End-to-end validation of the engine through its public operations
// 2. Reference examples of the scenario format
// 3. Regression fixtures
func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("../../testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, "failed to load %s", path)

		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)

			assert.True(t, result.Pass, "scenario should pass: errors=%v", result.Errors)
			assert.Len(t, result.Steps, len(scenario.Steps))
		})
	}
}

// TestScenariosReplay runs each scenario twice; snapshots must be identical.
func TestScenariosReplay(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/structured_contact.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	a, err := MarshalSnapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalSnapshot_Format(t *testing.T) {
	result := NewResult()
	result.AddStep(StepRecord{Op: OpStore, Outcome: "created", Entities: []string{"entity-1"}})
	result.AddStep(StepRecord{Op: OpStore, Error: "VALIDATION_ERROR"})
	result.State.Relationships = append(result.State.Relationships, RelationshipState{
		Type: "REFERS_TO", From: "entity-1", To: "entity-2", Contributing: 1,
	})

	data, err := MarshalSnapshot("format", result)
	require.NoError(t, err)

	assert.Equal(t,
		`{"entities":[],"relationships":[{"contributing":1,"deleted":false,"from":"entity-1","to":"entity-2","type":"REFERS_TO"}],`+
			`"scenario_name":"format","steps":[{"entities":["entity-1"],"op":"store","outcome":"created"},`+
			`{"error":"VALIDATION_ERROR","op":"store"}],"timeline":[]}`,
		string(data))
}
