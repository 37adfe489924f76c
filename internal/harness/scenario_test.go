package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
caller: tester
steps:
  - as: ada
    op: store
    key: k1
    entities:
      - entity_type: contact
        email: ada@example.com
    expect:
      entities: 1
assertions:
  - type: row_count
    table: sources
    count: 1
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "tester", scenario.Caller)
	require.Len(t, scenario.Steps, 1)
	assert.Equal(t, OpStore, scenario.Steps[0].Op)
	assert.Equal(t, "ada@example.com", scenario.Steps[0].Entities[0]["email"])
	require.NotNil(t, scenario.Steps[0].Expect.Entities)
	assert.Equal(t, 1, *scenario.Steps[0].Expect.Entities)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, 1, *scenario.Assertions[0].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_MalformedYAML(t *testing.T) {
	path := writeScenario(t, "name: [unclosed\n")

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_UnknownFieldsRejected(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: "assertion instead of assertions"
steps:
  - op: store
    key: k1
    entities: [{entity_type: note, title: x}]
assertion:
  - type: replay_clean
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assertion")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
description: d
steps: [{op: store, key: k, entities: [{entity_type: note, title: x}]}]
assertions: [{type: replay_clean}]`,
			wantErr: "name is required",
		},
		{
			name: "missing description",
			content: `
name: n
steps: [{op: store, key: k, entities: [{entity_type: note, title: x}]}]
assertions: [{type: replay_clean}]`,
			wantErr: "description is required",
		},
		{
			name: "no steps",
			content: `
name: n
description: d
assertions: [{type: replay_clean}]`,
			wantErr: "steps list is required",
		},
		{
			name: "no assertions",
			content: `
name: n
description: d
steps: [{op: store, key: k, entities: [{entity_type: note, title: x}]}]`,
			wantErr: "assertions list is required",
		},
		{
			name: "unknown op",
			content: `
name: n
description: d
steps: [{op: upsert, key: k}]
assertions: [{type: replay_clean}]`,
			wantErr: `unknown op "upsert"`,
		},
		{
			name: "missing key",
			content: `
name: n
description: d
steps: [{op: store, entities: [{entity_type: note, title: x}]}]
assertions: [{type: replay_clean}]`,
			wantErr: "key is required",
		},
		{
			name: "store without entities",
			content: `
name: n
description: d
steps: [{op: store, key: k}]
assertions: [{type: replay_clean}]`,
			wantErr: "entities are required",
		},
		{
			name: "relationship without endpoints",
			content: `
name: n
description: d
steps: [{op: relate.create, type: REFERS_TO}]
assertions: [{type: replay_clean}]`,
			wantErr: "type, from and to are required",
		},
		{
			name: "forward reference",
			content: `
name: n
description: d
steps:
  - {op: relate.create, type: REFERS_TO, from: "@later.entity", to: "@later.entity"}
  - {as: later, op: store, key: k, entities: [{entity_type: note, title: x}]}
assertions: [{type: replay_clean}]`,
			wantErr: "names no earlier step",
		},
		{
			name: "duplicate step name",
			content: `
name: n
description: d
steps:
  - {as: a, op: store, key: k1, entities: [{entity_type: note, title: x}]}
  - {as: a, op: store, key: k2, entities: [{entity_type: note, title: y}]}
assertions: [{type: replay_clean}]`,
			wantErr: `name "a" is already used`,
		},
		{
			name: "bad table name",
			content: `
name: n
description: d
steps: [{op: store, key: k, entities: [{entity_type: note, title: x}]}]
assertions: [{type: row_count, table: "sources; DROP TABLE sources", count: 1}]`,
			wantErr: "table must be an identifier",
		},
		{
			name: "negative count",
			content: `
name: n
description: d
steps: [{op: store, key: k, entities: [{entity_type: note, title: x}]}]
assertions: [{type: row_count, table: sources, count: -1}]`,
			wantErr: "count must be non-negative",
		},
		{
			name: "unknown assertion",
			content: `
name: n
description: d
steps: [{op: store, key: k, entities: [{entity_type: note, title: x}]}]
assertions: [{type: trace_contains}]`,
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name: "missing schema dir",
			content: `
name: n
description: d
schemas: [does-not-exist]
steps: [{op: store, key: k, entities: [{entity_type: note, title: x}]}]
assertions: [{type: replay_clean}]`,
			wantErr: "schema directory not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_ErrorStepNeedsNoKey(t *testing.T) {
	path := writeScenario(t, `
name: n
description: d
steps:
  - op: store
    expect: {error: VALIDATION_ERROR}
assertions: [{type: replay_clean}]
`)

	_, err := LoadScenario(path)
	assert.NoError(t, err)
}

func TestLoadScenario_SchemaDirsRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "schemas"), 0755))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: n
description: d
schemas: [schemas]
steps: [{op: store, key: k, entities: [{entity_type: note, title: x}]}]
assertions: [{type: replay_clean}]
`), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "schemas")}, scenario.Schemas)
}

func TestRefName(t *testing.T) {
	name, ok := refName("@ada.entity.1")
	assert.True(t, ok)
	assert.Equal(t, "ada", name)

	_, ok = refName("3f2c")
	assert.False(t, ok)
}

func TestLoadExampleScenarios(t *testing.T) {
	paths, err := filepath.Glob("../../testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths, "example scenarios should exist")

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, filepath.Base(path), scenario.Name+".yaml", "scenario name should match its file")
		})
	}
}
