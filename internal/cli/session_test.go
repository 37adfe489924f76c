package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/config"
)

func TestSessionUsesConfigFile(t *testing.T) {
	dir := t.TempDir()
	schemas, err := filepath.Abs(userSchemas)
	require.NoError(t, err)
	cfgPath := writeFile(t, dir, "truth.yaml", `database:
  path: `+filepath.Join(dir, "from-config.db")+`
schemas:
  dirs:
    - `+schemas+`
`)

	out, _, err := runCLI(t, "--config", cfgPath, "schema", "get", "recipe")
	require.NoError(t, err)
	assert.Contains(t, out, "recipe v1 (declared, 4 field(s))")
	assert.FileExists(t, filepath.Join(dir, "from-config.db"))
}

func TestSessionMissingConfigFile(t *testing.T) {
	_, _, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "replay")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestSessionCallerFromEnvironment(t *testing.T) {
	t.Setenv("TRUTH_CALLER_ID", "importer")
	db := testDB(t)

	out, _, err := runCLI(t, "--db", db, "--format", "json", "store", "--key", "k1",
		"--data", `{"entity_type":"note","title":"Minutes"}`)
	require.NoError(t, err)
	var res storeOutput
	decodeData(t, out, &res)

	out, _, err = runCLI(t, "--db", db, "source", res.SourceID)
	require.NoError(t, err)
	assert.Contains(t, out, "caller importer, key k1")
}

func TestSessionMetricsFlag(t *testing.T) {
	db := testDB(t)
	args := []string{"--db", db, "store", "--key", "k1", "--data", `{"entity_type":"note","title":"Minutes"}`}

	_, errOut, err := runCLI(t, append([]string{"--metrics"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, errOut, "truth_requests_total")
	assert.Contains(t, errOut, "truth_observations_appended_total")

	_, errOut, err = runCLI(t, args...)
	require.NoError(t, err)
	assert.NotContains(t, errOut, "truth_requests_total")
}

func TestNewLogger(t *testing.T) {
	t.Run("level from config", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := newLogger(buf, config.LogConfig{Level: "warn", Format: "text"}, false)
		logger.Info("hidden")
		logger.Warn("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("verbose forces debug", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := newLogger(buf, config.LogConfig{Level: "error"}, true)
		logger.Debug("details")
		assert.Contains(t, buf.String(), "details")
	})

	t.Run("json format", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := newLogger(buf, config.LogConfig{Level: "info", Format: "json"}, false)
		logger.Info("stored", "entities", 2)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "stored", entry["msg"])
		assert.Equal(t, float64(2), entry["entities"])
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := newLogger(buf, config.LogConfig{Level: "chatty"}, false)
		logger.Debug("hidden")
		logger.Info("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}
