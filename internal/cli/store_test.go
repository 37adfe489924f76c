package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

func TestParseEntities(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr string
	}{
		{name: "single object", raw: `{"entity_type":"note","title":"a"}`, want: 1},
		{name: "array", raw: `[{"entity_type":"note","title":"a"},{"entity_type":"note","title":"b"}]`, want: 2},
		{name: "entities wrapper", raw: `{"entities":[{"entity_type":"note","title":"a"}]}`, want: 1},
		{name: "empty array", raw: `[]`, wantErr: "no entities"},
		{name: "scalar", raw: `42`, wantErr: "must be an object or an array"},
		{name: "array of scalars", raw: `[1]`, wantErr: "entities[0] must be an object"},
		{name: "wrapper not array", raw: `{"entities":"x"}`, wantErr: "entities must be an array"},
		{name: "malformed", raw: `{"entity_type":`, wantErr: "parse JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEntities([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestParseEntities_ExactDecimals(t *testing.T) {
	got, err := parseEntities([]byte(`{"entity_type":"transaction","external_id":"t1","amount":12.25}`))
	require.NoError(t, err)
	assert.Equal(t, ir.Decimal("12.25"), got[0]["amount"])
}

func TestStoreCommandMissingKey(t *testing.T) {
	_, _, err := runCLI(t, "--db", testDB(t), "store", "--data", `{"entity_type":"note","title":"a"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestStoreCommandDataAndFileExclusive(t *testing.T) {
	_, _, err := runCLI(t, "--db", testDB(t), "store", "--key", "k1", "--data", "{}", "--file", "x.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}

func TestStoreCommandCreatesAndDeduplicates(t *testing.T) {
	db := testDB(t)
	payload := `{"entity_type":"contact","email":"ada@example.com","name":"Ada"}`

	out, _, err := runCLI(t, "--db", db, "store", "--key", "k1", "--data", payload)
	require.NoError(t, err)
	assert.Contains(t, out, "created source ")
	assert.Contains(t, out, "(contact v1, 2 observation(s))")
	assert.Contains(t, out, "name = Ada")

	out, _, err = runCLI(t, "--db", db, "store", "--key", "k1", "--data", payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "deduplicated source "), "output: %s", out)
}

func TestStoreCommandFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "contacts.json", `{"entities":[
		{"entity_type":"contact","email":"ada@example.com"},
		{"entity_type":"contact","email":"bob@example.com","nickname":"B"}
	]}`)

	out, _, err := runCLI(t, "--db", testDB(t), "--format", "json", "store", "--key", "import-1", "--file", path)
	require.NoError(t, err)

	var res storeOutput
	decodeData(t, out, &res)
	assert.Equal(t, "created", res.Outcome)
	assert.Len(t, res.Entities, 2)
	assert.Len(t, res.FragmentIDs, 1, "undeclared nickname is kept as a fragment")
}

func TestStoreCommandValidationError(t *testing.T) {
	out, _, err := runCLI(t, "--db", testDB(t), "store", "--key", "k1", "--data", `{"email":"ada@example.com"}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, IsReported(err))
	assert.Contains(t, out, "Error [VALIDATION_ERROR]")
}

func TestStoreCommandInvalidPayload(t *testing.T) {
	_, _, err := runCLI(t, "--db", testDB(t), "store", "--key", "k1", "--data", `[1, 2]`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.False(t, IsReported(err))
	assert.Contains(t, err.Error(), "invalid payload")
}

func TestCorrectCommandOverridesField(t *testing.T) {
	db := testDB(t)
	id := storeEntity(t, db, "k1", `{"entity_type":"contact","email":"ada@example.com","name":"Ada"}`)

	out, _, err := runCLI(t, "--db", db, "correct", "--key", "fix-1",
		"--data", `{"entity_type":"contact","entity_id":"`+id+`","name":"Ada Lovelace"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "name = Ada Lovelace")

	// A later structured store does not beat the correction.
	storeEntity(t, db, "k2", `{"entity_type":"contact","email":"ada@example.com","name":"A. King"}`)
	out, _, err = runCLI(t, "--db", db, "entity", id)
	require.NoError(t, err)
	assert.Contains(t, out, "name = Ada Lovelace")
}

func TestCorrectCommandUnknownEntity(t *testing.T) {
	out, _, err := runCLI(t, "--db", testDB(t), "--format", "json", "correct", "--key", "fix-1",
		"--data", `{"entity_type":"contact","email":"nobody@example.com","name":"X"}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "NOT_FOUND", decodeError(t, out).Code)
}
