package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns stdout and
// stderr.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// testDB returns a database path in a fresh temp dir.
func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "truth.db")
}

// decodeData decodes a JSON CLIResponse with status ok into data.
func decodeData(t *testing.T, out string, data any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "ok", resp.Status, "error: %+v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, data))
}

// decodeError decodes a JSON CLIResponse with status error.
func decodeError(t *testing.T, out string) CLIError {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	return *resp.Error
}

type storeOutput struct {
	Outcome  string `json:"outcome"`
	SourceID string `json:"source_id"`
	Entities []struct {
		EntityID   string         `json:"entity_id"`
		EntityType string         `json:"entity_type"`
		Fields     map[string]any `json:"fields"`
	} `json:"entities"`
	FragmentIDs []string `json:"fragment_ids"`
}

// storeEntity stores payload under key and returns the first entity id.
func storeEntity(t *testing.T, db, key, payload string) string {
	t.Helper()
	out, _, err := runCLI(t, "--db", db, "--format", "json", "store", "--key", key, "--data", payload)
	require.NoError(t, err)
	var res storeOutput
	decodeData(t, out, &res)
	require.NotEmpty(t, res.Entities)
	return res.Entities[0].EntityID
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
