package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityCommandShowsProvenance(t *testing.T) {
	db := testDB(t)
	id := storeEntity(t, db, "k1", `{"entity_type":"contact","email":"ada@example.com","tags":["math"]}`)
	storeEntity(t, db, "k2", `{"entity_type":"contact","email":"ada@example.com","tags":["poetry"]}`)

	out, _, err := runCLI(t, "--db", db, "entity", id)
	require.NoError(t, err)
	assert.Contains(t, out, "entity "+id+" (contact v1)")
	assert.Contains(t, out, `tags = ["math","poetry"]  [merge_array; 2 observation(s)]`)
	assert.Contains(t, out, "2 source(s)")
	assert.NotContains(t, out, "structured ", "observations are listed only with --verbose")

	out, _, err = runCLI(t, "--db", db, "-v", "entity", id)
	require.NoError(t, err)
	assert.Contains(t, out, "structured ")
	assert.Contains(t, out, "priority 100")
}

func TestEntityCommandJSON(t *testing.T) {
	db := testDB(t)
	id := storeEntity(t, db, "k1", `{"entity_type":"contact","email":"ada@example.com","name":"Ada"}`)

	out, _, err := runCLI(t, "--db", db, "--format", "json", "entity", id)
	require.NoError(t, err)

	var view struct {
		Snapshot struct {
			EntityID string         `json:"entity_id"`
			Fields   map[string]any `json:"fields"`
		} `json:"snapshot"`
		Provenance []struct {
			Field  string `json:"field"`
			Policy string `json:"policy"`
		} `json:"provenance"`
	}
	decodeData(t, out, &view)
	assert.Equal(t, id, view.Snapshot.EntityID)
	assert.Equal(t, "Ada", view.Snapshot.Fields["name"])
	require.Len(t, view.Provenance, 2)
	assert.Equal(t, "email", view.Provenance[0].Field)
	assert.Equal(t, "highest_priority", view.Provenance[1].Policy)
}

func TestEntityCommandErrors(t *testing.T) {
	db := testDB(t)

	out, _, err := runCLI(t, "--db", db, "--format", "json", "entity", "not-an-id")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, out).Code)

	_, _, err = runCLI(t, "--db", db, "entity")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestObservationsCommand(t *testing.T) {
	db := testDB(t)
	id := storeEntity(t, db, "k1", `{"entity_type":"contact","email":"ada@example.com","name":"Ada"}`)
	storeEntity(t, db, "k2", `{"entity_type":"contact","email":"ada@example.com","name":"Ada L."}`)

	out, _, err := runCLI(t, "--db", db, "observations", id)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, out, "structured name = Ada L.")

	out, _, err = runCLI(t, "--db", db, "--format", "json", "observations", id)
	require.NoError(t, err)
	var observations []map[string]any
	decodeData(t, out, &observations)
	assert.Len(t, observations, 4)
}

func TestTimelineCommandFilters(t *testing.T) {
	db := testDB(t)
	storeEntity(t, db, "k1", `{"entity_type":"event","title":"Launch","start_date":"2025-06-01","end_date":"2025-06-03"}`)
	storeEntity(t, db, "k2", `{"entity_type":"task","title":"Taxes","due_date":"2025-04-15"}`)

	out, _, err := runCLI(t, "--db", db, "timeline")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "2025-04-15 task.due_date "), "events are in date order: %v", lines)

	out, _, err = runCLI(t, "--db", db, "timeline", "--type", "event.end_date")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "2025-06-03 event.end_date")

	out, _, err = runCLI(t, "--db", db, "timeline", "--from", "2025-05-01", "--to", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "2025-06-01 event.start_date")

	out, _, err = runCLI(t, "--db", db, "timeline", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))

	_, _, err = runCLI(t, "--db", db, "timeline", "--from", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSourceCommand(t *testing.T) {
	db := testDB(t)
	content := `{"entity_type":"note","title":"Minutes","mood":"tired"}`
	path := writeFile(t, t.TempDir(), "minutes.json", content)

	out, _, err := runCLI(t, "--db", db, "--format", "json", "ingest", "--key", "u1", "--file", path, "--interpret")
	require.NoError(t, err)
	var res ingestOutput
	decodeData(t, out, &res)

	out, _, err = runCLI(t, "--db", db, "source", res.SourceID)
	require.NoError(t, err)
	assert.Contains(t, out, "source "+res.SourceID)
	assert.Contains(t, out, "caller local, key u1")
	assert.Contains(t, out, "file minutes.json")
	assert.Contains(t, out, "1 observation(s)")
	assert.Contains(t, out, "fragment mood = tired")

	out, _, err = runCLI(t, "--db", db, "source", res.SourceID, "--content")
	require.NoError(t, err)
	assert.Equal(t, content, out)

	_, _, err = runCLI(t, "--db", db, "source", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCallerFlagScopesKeys(t *testing.T) {
	db := testDB(t)
	payload := `{"entity_type":"note","title":"Minutes"}`

	out, _, err := runCLI(t, "--db", db, "--caller", "alice", "store", "--key", "k1", "--data", payload)
	require.NoError(t, err)
	assert.Contains(t, out, "created source ")

	out, _, err = runCLI(t, "--db", db, "--caller", "bob", "store", "--key", "k1", "--data", payload)
	require.NoError(t, err)
	assert.Contains(t, out, "created source ", "the same key under another caller is a new request")
}
