package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/smapd/internal/paths"
)

func parse(t *testing.T, args ...string) string {
	t.Helper()
	parser, err := newParser(context.Background())
	require.NoError(t, err)
	kongCtx, err := parser.Parse(args)
	require.NoError(t, err)
	return kongCtx.Command()
}

func TestDefaultCommand(t *testing.T) {
	assert.Equal(t, "run", parse(t))
	assert.Equal(t, paths.Config(), RootCmd.Config)
	assert.Empty(t, overrides())
}

func TestOverrides(t *testing.T) {
	parse(t, "-f", "-e", "-t", "--trace-pattern", "OK", "-S", "-i", "run")

	assert.Equal(t, map[string]any{
		"foreground":     true,
		"log-to-stderr":  true,
		"log-to-syslog":  false,
		"trace":          true,
		"trace-pattern":  []string{"OK"},
		"single-process": true,
		"inetd-mode":     true,
	}, overrides())
}

func TestWorkerArgs(t *testing.T) {
	parse(t, "-c", "/etc/alt.conf", "-f", "-x", "srvman.2", "-x", "query", "-t", "--trace-pattern", "NOTFOUND")

	assert.Equal(t, []string{
		"worker", "--config", "/etc/alt.conf",
		"--foreground", "--trace",
		"--debug", "srvman.2", "--debug", "query",
		"--trace-pattern", "NOTFOUND",
	}, workerArgs())

	// The daemon appends the server id; the worker must accept the result.
	assert.Equal(t, "worker", parse(t, append(workerArgs(), "--server", "local")...))
	assert.Equal(t, "local", RootCmd.Worker.Server)
	assert.Equal(t, "/etc/alt.conf", RootCmd.Config)
	assert.Equal(t, []string{"srvman.2", "query"}, RootCmd.Debug)
}

func TestCommands(t *testing.T) {
	assert.Equal(t, "lint", parse(t, "lint"))
	assert.Equal(t, "inetd", parse(t, "inetd", "--sockmap"))
	assert.True(t, RootCmd.Single.Sockmap)
	assert.Equal(t, "version", parse(t, "version"))
}

func TestOptions(t *testing.T) {
	parse(t, "-q", "-x", "conf.1", "--detached")

	o := options()
	assert.True(t, o.Quiet)
	assert.False(t, o.Verbose)
	assert.True(t, o.Detached)
	assert.Equal(t, []string{"conf.1"}, o.DebugSpecs)
	assert.Equal(t, "worker", o.WorkerArgs[0])
}

func TestUnknownFlag(t *testing.T) {
	parser, err := newParser(context.Background())
	require.NoError(t, err)
	_, err = parser.Parse([]string{"--no-such-flag"})
	assert.Error(t, err)
}
