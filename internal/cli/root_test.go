package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "turnstile", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "import", "token", "scan", "sync", "queue", "conflicts", "status", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestSubcommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"queue", "show"},
		{"queue", "dismiss"},
		{"conflicts", "resolve"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	flags := NewRootCommand().PersistentFlags()
	for name, def := range map[string]string{
		"verbose":    "false",
		"format":     "text",
		"log-format": "text",
		"env-file":   "",
	} {
		f := flags.Lookup(name)
		require.NotNil(t, f, "--%s", name)
		assert.Equal(t, def, f.DefValue, "--%s default", name)
	}
	assert.Equal(t, "v", flags.Lookup("verbose").Shorthand)
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		command string
		flags   []string
	}{
		{"serve", []string{"addr"}},
		{"token", []string{"event", "role", "subject", "ttl"}},
		{"scan", []string{"direction", "entrance", "operator", "sync"}},
		{"sync", []string{"up", "down", "full", "watch"}},
		{"conflicts", []string{"all"}},
		{"test", []string{"update", "filter", "golden"}},
	}

	root := NewRootCommand()
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			cmd, _, err := root.Find([]string{tt.command})
			require.NoError(t, err)
			for _, name := range tt.flags {
				assert.NotNil(t, cmd.Flags().Lookup(name), "flag --%s", name)
			}
		})
	}
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestOutputFlagsRejectUnknownValues(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"--format", "invalid", "test", "."}, "invalid format"},
		{[]string{"--log-format", "xml", "test", "."}, "invalid log format"},
	} {
		cmd := NewRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(tc.args)

		err := cmd.Execute()
		require.Error(t, err, tc.args)
		assert.Contains(t, err.Error(), tc.want)
	}
}

func TestEnvFileIsLoaded(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "gate.env")
	require.NoError(t, os.WriteFile(envFile, []byte("TURNSTILE_EVENT_ID=\n"), 0644))
	t.Setenv("TURNSTILE_EVENT_ID", "")
	t.Setenv("TURNSTILE_CACHE_PATH", filepath.Join(dir, "cache.db"))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--env-file", envFile, "queue"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "TURNSTILE_EVENT_ID is required")
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "test", t.TempDir()})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "No scenarios found")
}
