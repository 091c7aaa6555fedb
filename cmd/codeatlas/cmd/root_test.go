package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	out, err := execute(t, "--help")

	require.NoError(t, err)
	assert.Contains(t, out, "codeatlas")
	assert.Contains(t, out, "Usage:")
}

func TestRootCmd_NoArgsShowsHelp(t *testing.T) {
	out, err := execute(t)

	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
}

func TestRootCmd_ShowsVersion(t *testing.T) {
	out, err := execute(t, "--version")

	require.NoError(t, err)
	assert.Contains(t, out, "codeatlas version")
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	cmd := NewRootCmd()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}

	assert.Contains(t, names, "init")
	assert.Contains(t, names, "sync")
	assert.Contains(t, names, "query")
	assert.Contains(t, names, "watch")
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "doctor")
	assert.Contains(t, names, "version")
}

func TestRootCmd_HasRootFlag(t *testing.T) {
	cmd := NewRootCmd()

	flag := cmd.PersistentFlags().Lookup("root")
	require.NotNil(t, flag)
	assert.Equal(t, ".", flag.DefValue)
}

func TestSyncCmd_ShowsHelp(t *testing.T) {
	out, err := execute(t, "sync", "--help")

	require.NoError(t, err)
	assert.Contains(t, out, "incremental")
}

func TestQueryCmd_ShowsHelp(t *testing.T) {
	out, err := execute(t, "query", "--help")

	require.NoError(t, err)
	assert.Contains(t, out, "similarity")
	assert.Contains(t, out, "--language")
}

func TestQueryCmd_RequiresText(t *testing.T) {
	_, err := execute(t, "query")

	require.Error(t, err)
}
