package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "kiln", cmd.Use)
	assert.Contains(t, cmd.Long, "compile")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"toolchain", "gen", "warm", "cache", "log"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestCacheSubcommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, sub := range []string{"list", "verify", "clear"} {
		t.Run(sub, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{"cache", sub})
			require.NoError(t, err)
			assert.Equal(t, sub, subCmd.Name())
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

	for _, name := range []string{"config", "cache-dir", "compiler"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, "flag --%s should exist", name)
		assert.Equal(t, "", flag.DefValue)
	}
}

func TestGenCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	genCmd, _, err := cmd.Find([]string{"gen"})
	require.NoError(t, err)

	kernelFlag := genCmd.Flags().Lookup("kernel")
	require.NotNil(t, kernelFlag)
	assert.Equal(t, "k", kernelFlag.Shorthand)

	outputFlag := genCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)
}

func TestWarmCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	warmCmd, _, err := cmd.Find([]string{"warm"})
	require.NoError(t, err)

	kernelFlag := warmCmd.Flags().Lookup("kernel")
	require.NotNil(t, kernelFlag)

	keepGoingFlag := warmCmd.Flags().Lookup("keep-going")
	require.NotNil(t, keepGoingFlag)
	assert.Equal(t, "false", keepGoingFlag.DefValue)

	showOutputFlag := warmCmd.Flags().Lookup("show-output")
	require.NotNil(t, showOutputFlag)
	assert.Equal(t, "false", showOutputFlag.DefValue)
}

func TestCacheVerifyFlags(t *testing.T) {
	cmd := NewRootCommand()
	verifyCmd, _, err := cmd.Find([]string{"cache", "verify"})
	require.NoError(t, err)

	purgeFlag := verifyCmd.Flags().Lookup("purge")
	require.NotNil(t, purgeFlag)
	assert.Equal(t, "false", purgeFlag.DefValue)
}

func TestLogCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	logCmd, _, err := cmd.Find([]string{"log"})
	require.NoError(t, err)

	limitFlag := logCmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
	assert.Equal(t, "n", limitFlag.Shorthand)
	assert.Equal(t, "20", limitFlag.DefValue)

	keyFlag := logCmd.Flags().Lookup("key")
	require.NotNil(t, keyFlag)

	statsFlag := logCmd.Flags().Lookup("stats")
	require.NotNil(t, statsFlag)
	assert.Equal(t, "false", statsFlag.DefValue)
}

func TestCommandHelp(t *testing.T) {
	cmd := NewRootCommand()

	// Verify help text contains key elements
	assert.Contains(t, cmd.Short, "kiln")
	assert.Contains(t, cmd.Long, "kernels")
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
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "toolchain"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
