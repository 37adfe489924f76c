package harness

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/testutil"
)

// newTestHarness builds a harness over a fresh store for tests that drive
// steps one at a time.
func newTestHarness(t *testing.T) *Harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "truth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng, err := engine.New(st,
		engine.WithTimeSource(testutil.NewDeterministicClock()),
		engine.WithKeyGenerator(testutil.NewSequentialKeyGenerator("")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	_, err = eng.Bootstrap(context.Background())
	require.NoError(t, err)

	return &Harness{
		store:   st,
		engine:  eng,
		caller:  DefaultCaller,
		refs:    make(map[string]stepRefs),
		aliases: make(map[string]string),
		order:   make(map[string]int),
	}
}

func principleNames(v Violations) []string {
	var names []string
	for _, violation := range v {
		names = append(names, violation.Principle)
	}
	return names
}

func TestCheckPrinciples_EmptyStore(t *testing.T) {
	h := newTestHarness(t)

	assert.Empty(t, CheckPrinciples(context.Background(), h.store, h.engine))
}

func TestCheckPrinciples_HealthyStore(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	steps := []Step{
		contactStep("a", "k1", "ada@example.com"),
		contactStep("b", "k2", "bob@example.com"),
		{Op: OpCreateRelationship, Type: "PART_OF", From: "@a.entity", To: "@b.entity"},
		{
			Op:        OpIngest,
			Key:       "u1",
			Content:   `{"entity_type":"note","title":"Minutes","created_on":"2025-02-03"}`,
			FileName:  "minutes.json",
			Interpret: true,
		},
		{
			Op:        OpIngest,
			Key:       "u2",
			Content:   "\x00\x01",
			MimeType:  "application/octet-stream",
			Interpret: true,
			Expect:    &Expect{Error: "INTERPRETATION_FAILURE"},
		},
	}
	for i, step := range steps {
		_, err := h.execute(ctx, step)
		require.NoError(t, err, "step %d", i)
	}

	assert.Empty(t, CheckPrinciples(ctx, h.store, h.engine))
}

func TestCheckPrinciples_MissingSnapshot(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	_, err := h.execute(ctx, contactStep("a", "k1", "ada@example.com"))
	require.NoError(t, err)

	_, err = h.store.DB().ExecContext(ctx, "DELETE FROM entity_snapshots")
	require.NoError(t, err)

	names := principleNames(CheckPrinciples(ctx, h.store, h.engine))
	assert.Contains(t, names, "snapshot-per-entity")
	assert.Contains(t, names, "provenance-resolves")
}

func TestCheckPrinciples_RunningRun(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	_, err := h.execute(ctx, Step{
		Op:        OpIngest,
		Key:       "u1",
		Content:   `{"entity_type":"note","title":"Minutes"}`,
		FileName:  "minutes.json",
		Interpret: true,
	})
	require.NoError(t, err)

	_, err = h.store.DB().ExecContext(ctx, "UPDATE interpretation_runs SET status = 'running'")
	require.NoError(t, err)

	v := CheckPrinciples(ctx, h.store, h.engine)
	assert.Equal(t, []string{"runs-terminate"}, principleNames(v))
	assert.Contains(t, v.Messages()[0], "runs-terminate: 1 violating rows")
}

func TestPrinciples_HaveUniqueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range Principles {
		assert.False(t, seen[p.Name], "duplicate principle %s", p.Name)
		seen[p.Name] = true
		assert.NotEmpty(t, p.Description)
	}
}
