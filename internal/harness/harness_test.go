package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func contactStep(as, key, email string) Step {
	return Step{
		As:  as,
		Op:  OpStore,
		Key: key,
		Entities: []map[string]any{
			{"entity_type": "contact", "email": email},
		},
	}
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "minimal",
		Description: "one store",
		Steps:       []Step{contactStep("ada", "k1", "ada@example.com")},
		Assertions: []Assertion{
			{Type: AssertRowCount, Table: "observations", Count: intPtr(1)},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, StepRecord{Op: OpStore, As: "ada", Outcome: "created", Entities: []string{"entity-1"}}, result.Steps[0])
	require.Len(t, result.State.Entities, 1)
	assert.Equal(t, "contact", result.State.Entities[0].EntityType)
	assert.Equal(t, 1, result.State.Entities[0].Observations)
}

func TestRun_AliasesInFirstSeenOrder(t *testing.T) {
	scenario := &Scenario{
		Name:        "aliases",
		Description: "two contacts and an edge",
		Steps: []Step{
			contactStep("b", "k1", "bob@example.com"),
			contactStep("a", "k2", "ada@example.com"),
			{Op: OpCreateRelationship, Type: "REFERS_TO", From: "@a.entity", To: "@b.entity"},
		},
		Assertions: []Assertion{{Type: AssertReplayClean}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.State.Entities, 2)
	assert.Equal(t, "entity-1", result.State.Entities[0].Alias)
	assert.Equal(t, "entity-2", result.State.Entities[1].Alias)
	assert.Equal(t, []RelationshipState{
		{Type: "REFERS_TO", From: "entity-2", To: "entity-1", Contributing: 1},
	}, result.State.Relationships)
}

func TestRun_UnmetExpectationFails(t *testing.T) {
	step := contactStep("", "k1", "ada@example.com")
	step.Expect = &Expect{Outcome: "deduplicated"}
	scenario := &Scenario{
		Name:        "unmet",
		Description: "first call cannot be a duplicate",
		Steps:       []Step{step},
		Assertions:  []Assertion{{Type: AssertReplayClean}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected outcome deduplicated, got created")
}

func TestRun_ExpectedError(t *testing.T) {
	scenario := &Scenario{
		Name:        "expected_error",
		Description: "missing entity_type is a validation error",
		Steps: []Step{{
			Op:       OpStore,
			Key:      "k1",
			Entities: []map[string]any{{"email": "ada@example.com"}},
			Expect:   &Expect{Error: "VALIDATION_ERROR"},
		}},
		Assertions: []Assertion{{Type: AssertRowCount, Table: "sources", Count: intPtr(0)}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "VALIDATION_ERROR", result.Steps[0].Error)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "unexpected_error",
		Description: "an unknown relationship type is rejected",
		Steps: []Step{
			contactStep("a", "k1", "ada@example.com"),
			contactStep("b", "k2", "bob@example.com"),
			{Op: OpCreateRelationship, Type: "LIKES", From: "@a.entity", To: "@b.entity"},
		},
		Assertions: []Assertion{{Type: AssertReplayClean}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[2] (relate.create): unexpected error")
}

func TestRun_UnresolvableReference(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_ref",
		Description: "a reference to a step that produced no relationship",
		Steps: []Step{
			contactStep("a", "k1", "ada@example.com"),
			{Op: OpReinterpret, Key: "r1", Source: "@a.relationship"},
		},
		Assertions: []Assertion{{Type: AssertReplayClean}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected a source reference")
}

func TestRun_StepExpectations(t *testing.T) {
	scenario := &Scenario{
		Name:        "expectations",
		Description: "fields, fragments and relationship state",
		Steps: []Step{
			{
				As:  "a",
				Op:  OpStore,
				Key: "k1",
				Entities: []map[string]any{{
					"entity_type": "contact",
					"email":       "ada@example.com",
					"name":        "Ada",
					"nickname":    "Countess",
				}},
				Expect: &Expect{
					Entities:  intPtr(1),
					Fields:    map[string]any{"name": "Ada"},
					Fragments: intPtr(1),
				},
			},
			contactStep("b", "k2", "bob@example.com"),
			{
				Op:     OpCreateRelationship,
				Type:   "DEPENDS_ON",
				From:   "@a.entity",
				To:     "@b.entity",
				Expect: &Expect{Deleted: boolPtr(false)},
			},
			{
				Op:     OpDeleteRelationship,
				Type:   "DEPENDS_ON",
				From:   "@a.entity",
				To:     "@b.entity",
				Expect: &Expect{Deleted: boolPtr(true)},
			},
		},
		Assertions: []Assertion{
			{Type: AssertSnapshot, Entity: "@a.entity", Fields: map[string]any{"email": "ada@example.com"}},
			{Type: AssertObservations, Entity: "@a.entity", Count: intPtr(2)},
			{Type: AssertTimeline, Entity: "@a.entity", Count: intPtr(0)},
			{Type: AssertPrinciples},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.State.Relationships, 1)
	assert.True(t, result.State.Relationships[0].Deleted)
}

func TestRun_Deterministic(t *testing.T) {
	scenario := &Scenario{
		Name:        "deterministic",
		Description: "two runs give the same result",
		Steps: []Step{
			contactStep("a", "k1", "ada@example.com"),
			{
				Op:  OpIngest,
				Key: "u1",
				Content: `{"entity_type":"event","title":"Launch",` +
					`"start_date":"2025-06-01"}`,
				FileName:  "launch.json",
				Interpret: true,
			},
		},
		Assertions: []Assertion{{Type: AssertReplayClean}},
	}

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.True(t, first.Pass, "errors: %v", first.Errors)
	assert.Equal(t, first, second)
}

func TestRun_FreshDatabasePerRun(t *testing.T) {
	scenario := &Scenario{
		Name:        "fresh",
		Description: "the key is new in every run",
		Steps:       []Step{contactStep("a", "k1", "ada@example.com")},
		Assertions:  []Assertion{{Type: AssertRowCount, Table: "sources", Count: intPtr(1)}},
	}

	for range 2 {
		result, err := Run(context.Background(), scenario)
		require.NoError(t, err)
		assert.True(t, result.Pass, "errors: %v", result.Errors)
		assert.Equal(t, "created", result.Steps[0].Outcome)
	}
}

func TestResult_AddError(t *testing.T) {
	result := NewResult()
	assert.True(t, result.Pass)

	result.AddError("boom")

	assert.False(t, result.Pass)
	assert.Equal(t, []string{"boom"}, result.Errors)
}
