package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "truth", cmd.Use)
	assert.Contains(t, cmd.Long, "observations")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"store"}, {"correct"}, {"ingest"}, {"reinterpret"},
		{"relate", "create"}, {"relate", "delete"}, {"relate", "restore"},
		{"entity"}, {"observations"}, {"relationships"}, {"timeline"}, {"source"},
		{"schema", "list"}, {"schema", "get"}, {"schema", "load"},
		{"schema", "activate"}, {"schema", "promote"}, {"schema", "validate"},
		{"replay"}, {"test"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"db", "config", "caller", "metrics"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing --%s", name)
	}
}

func TestStoreCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	storeCmd, _, err := cmd.Find([]string{"store"})
	require.NoError(t, err)

	keyFlag := storeCmd.Flags().Lookup("key")
	require.NotNil(t, keyFlag)
	assert.Equal(t, "", keyFlag.DefValue)

	require.NotNil(t, storeCmd.Flags().Lookup("data"))
	require.NotNil(t, storeCmd.Flags().Lookup("file"))
}

func TestRelationshipsCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	relCmd, _, err := cmd.Find([]string{"relationships"})
	require.NoError(t, err)

	directionFlag := relCmd.Flags().Lookup("direction")
	require.NotNil(t, directionFlag)
	assert.Equal(t, "both", directionFlag.DefValue)

	deletedFlag := relCmd.Flags().Lookup("include-deleted")
	require.NotNil(t, deletedFlag)
	assert.Equal(t, "false", deletedFlag.DefValue)
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	updateFlag := testCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	require.NotNil(t, testCmd.Flags().Lookup("filter"))
	require.NotNil(t, testCmd.Flags().Lookup("golden"))
}

func TestFormatValidation(t *testing.T) {
	// Test valid formats
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	// Test invalid formats
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	_, _, err := runCLI(t, "--format", "invalid", "--db", testDB(t), "replay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
