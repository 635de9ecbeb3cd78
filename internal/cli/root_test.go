package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "rlog", cmd.Use)
	assert.Contains(t, cmd.Long, "RLOG_*")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"init", "inspect", "dump", "keypoint", "verify", "units", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
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

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	for _, key := range []string{
		keyDir, keyServerName, keyServiceName, keyServiceVersion, keyLogName,
		keyInitialSizeKB, keyMaxSizeKB, keyDisableMapping, keyVectoredWrites, keyLogLevel,
	} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(key), "missing --%s", key)
	}
}

func TestDumpCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	dumpCmd, _, err := cmd.Find([]string{"dump"})
	require.NoError(t, err)

	fileFlag := dumpCmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "0", fileFlag.DefValue)
}

func TestKeypointCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	keypointCmd, _, err := cmd.Find([]string{"keypoint"})
	require.NoError(t, err)

	require.NotNil(t, keypointCmd.Flags().Lookup("service-data"))
	resizeFlag := keypointCmd.Flags().Lookup("resize-kb")
	require.NotNil(t, resizeFlag)
	assert.Equal(t, "0", resizeFlag.DefValue)
}

func TestUnitsCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	unitsCmd, _, err := cmd.Find([]string{"units"})
	require.NoError(t, err)

	dbFlag := unitsCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)

	idFlag := unitsCmd.Flags().Lookup("service-id")
	require.NotNil(t, idFlag)
	assert.Equal(t, "1", idFlag.DefValue)
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	updateFlag := testCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	require.NotNil(t, testCmd.Flags().Lookup("filter"))
	require.NotNil(t, testCmd.Flags().Lookup("golden-dir"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "invalid", "inspect"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
