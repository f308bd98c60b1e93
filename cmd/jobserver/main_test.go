package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(ctx context.Context) error {
	return p.err
}

func TestConnectionTest(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		wantOK bool
		want   string
	}{
		{name: "reachable", wantOK: true, want: " [ok]\n"},
		{name: "unreachable", err: errors.New("dial tcp: connection refused"), want: " [error] :: dial tcp: connection refused\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer

			ok := connectionTest(context.Background(), &out, stubPinger{err: tt.err})

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, "Testing connection to RabbitMQ server with current settings...\n"+tt.want, out.String())
		})
	}
}

func TestPrintStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobserver.pid")

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, path))
	assert.Contains(t, out.String(), "not running")

	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	out.Reset()
	require.NoError(t, printStatus(&out, path))
	assert.Contains(t, out.String(), "is running (pid "+strconv.Itoa(os.Getpid())+")")
}

func newStubCmd(err error) *cobra.Command {
	return &cobra.Command{
		Use: "stub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return err
		},
	}
}

func TestExecute_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", want: 0},
		{name: "plain error", err: errors.New("boom"), want: 1},
		{name: "crash", err: &exitError{code: crashExitCode, err: errors.New("crashed")}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.AddCommand(newStubCmd(tt.err))
			root.SetArgs([]string{"stub"})

			assert.Equal(t, tt.want, execute(root))
		})
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"start", "consume", "stop", "status", "connectiontest", "watchdog", "purge", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	consume, _, err := root.Find([]string{"consume"})
	require.NoError(t, err)
	assert.NotNil(t, consume.Flags().Lookup("high-priority"))
}
