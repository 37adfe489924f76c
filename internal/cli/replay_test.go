package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/store"
)

func TestReplayEmptyDatabase(t *testing.T) {
	out, _, err := runCLI(t, "--db", testDB(t), "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "Replay Summary: 0 entities, 0 relationships")
	assert.Contains(t, out, "All projections verified deterministic")
}

func TestReplayVerifiesStoredSnapshots(t *testing.T) {
	db := testDB(t)
	a, b := twoContacts(t, db)
	_, _, err := runCLI(t, "--db", db, "relate", "create", "--type", "PART_OF", "--from", a, "--to", b)
	require.NoError(t, err)

	out, _, err := runCLI(t, "--db", db, "--format", "json", "replay")
	require.NoError(t, err)

	var report struct {
		Entities      int   `json:"entities"`
		Relationships int   `json:"relationships"`
		Mismatches    []any `json:"mismatches"`
	}
	decodeData(t, out, &report)
	assert.Equal(t, 2, report.Entities)
	assert.Equal(t, 1, report.Relationships)
	assert.NotNil(t, report.Mismatches)
	assert.Empty(t, report.Mismatches)
}

func TestReplayDetectsTamperedSnapshot(t *testing.T) {
	db := testDB(t)
	id := storeEntity(t, db, "k1", `{"entity_type":"contact","email":"ada@example.com","name":"Ada"}`)

	st, err := store.Open(db)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE entity_snapshots SET hash = 'tampered' WHERE entity_id = ?`, id)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, _, err := runCLI(t, "--db", db, "replay")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, IsReported(err))
	assert.Contains(t, out, id)
	assert.Contains(t, out, "Determinism verification failed: 1 mismatch(es)")

	out, _, err = runCLI(t, "--db", db, "--format", "json", "replay")
	require.Error(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Mismatches []struct {
				ID         string `json:"id"`
				StoredHash string `json:"stored_hash"`
			} `json:"mismatches"`
		} `json:"data"`
		Error *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "REPLAY_MISMATCH", resp.Error.Code)
	require.Len(t, resp.Data.Mismatches, 1)
	assert.Equal(t, id, resp.Data.Mismatches[0].ID)
	assert.Equal(t, "tampered", resp.Data.Mismatches[0].StoredHash)
}
