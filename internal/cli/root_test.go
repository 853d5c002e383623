package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncTestCommandRuns(t *testing.T) {
	t.Setenv("RBA_LOG_SINKS", "console")
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"synctest", "--frames", "60", "--check-distance", "3", "--seed", "cli"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
}

func TestSyncTestCommandRejectsZeroDistance(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"synctest", "--check-distance", "0"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestPlayersFlagReachesSyncTest(t *testing.T) {
	t.Setenv("RBA_PLAYERS", "2")
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"synctest", "--players", "3", "--frames", "30"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	cmd = NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"synctest", "--players", "0", "--frames", "30"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}
