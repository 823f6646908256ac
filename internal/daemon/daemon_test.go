package daemon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/smapd/internal/server"
)

// Log output safe for concurrent writers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Writes a configuration file into a temporary directory and returns the
// options to load it, the directory and the log buffer.
func setup(t *testing.T, text string) (Options, string, *logBuffer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "smapd.conf")
	text = strings.ReplaceAll(text, "$TMP", dir)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	log := &logBuffer{}
	return Options{ConfigFile: path, Output: log}, dir, log
}

const greeting = `
database greet echo OK hello
dispatch map m database greet
`

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(io.EOF))
	assert.Equal(t, ExitConfig, ExitCode(exitError(ExitConfig, io.EOF)))
	assert.Equal(t, ExitUnavailable, ExitCode(fmt.Errorf("wrapped: %w", exitError(ExitUnavailable, io.EOF))))
}

func TestLint(t *testing.T) {
	opts, _, log := setup(t, greeting+"server local unix://$TMP/smapd.sock\n")

	require.NoError(t, Lint(opts))
	assert.Contains(t, log.String(), "configuration OK")
}

func TestLintReportsParseErrors(t *testing.T) {
	opts, _, log := setup(t, greeting+"bogus statement\n")

	err := Lint(opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLint)
	assert.Equal(t, ExitConfig, ExitCode(err))
	assert.Contains(t, log.String(), "smapd.conf:4")
}

func TestLintReportsUnlinkedRules(t *testing.T) {
	opts, _, _ := setup(t, greeting+"dispatch map x database missing\n")

	err := Lint(opts)
	require.Error(t, err)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestMissingConfig(t *testing.T) {
	err := Lint(Options{ConfigFile: filepath.Join(t.TempDir(), "none.conf"), Output: io.Discard})
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestBadDebugSpec(t *testing.T) {
	opts, _, _ := setup(t, greeting)
	opts.DebugSpecs = []string{"nosuchcategory.3"}

	assert.Equal(t, ExitUsage, ExitCode(Lint(opts)))
}

func TestServerConversion(t *testing.T) {
	opts, _, _ := setup(t, greeting+`
socket-mode 0640
backlog 16
reuseaddr yes
idle-timeout 30
trace yes
server a unix://$TMP/a.sock begin
  max-children 3
  socket-owner 1:2
  protocol sockmap
end
server b inet://127.0.0.1:0 begin
  backlog 4
  reuseaddr no
  socket-mode 0600
end
`)
	in, err := load(opts, forDaemon)
	require.NoError(t, err)
	defer in.close()

	a := in.server(in.cfg.Server("a"))
	assert.Equal(t, 16, a.Backlog)
	assert.True(t, a.ReuseAddr)
	assert.Equal(t, 3, a.MaxChildren)
	assert.Equal(t, os.FileMode(0o640), a.Mode)
	require.NotNil(t, a.Owner)
	assert.Equal(t, 1, a.Owner.UID)
	assert.Equal(t, 2, a.Owner.GID)

	so := a.Data.(*server.Options)
	assert.Equal(t, "a", so.ServerID)
	assert.True(t, so.Sockmap)
	assert.True(t, so.Trace)
	assert.Equal(t, 30*time.Second, so.Idle)
	assert.Same(t, in.chain, so.Chain)

	b := in.server(in.cfg.Server("b"))
	assert.Equal(t, 4, b.Backlog)
	assert.False(t, b.ReuseAddr)
	assert.Equal(t, os.FileMode(0o600), b.Mode)
	assert.Nil(t, b.Owner)
	assert.False(t, b.Data.(*server.Options).Sockmap)
}

func TestWorkServesConnection(t *testing.T) {
	opts, _, _ := setup(t, greeting+"server local unix://$TMP/smapd.sock\n")
	in, err := load(opts, forDaemon)
	require.NoError(t, err)
	defer in.close()

	client, conn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- in.work(context.Background(), "local", conn) }()

	_, err = io.WriteString(client, "m alice\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK hello\n", line)

	require.NoError(t, client.Close())
	assert.NoError(t, <-done)
}

func TestWorkUnknownServer(t *testing.T) {
	opts, _, _ := setup(t, greeting)
	in, err := load(opts, forDaemon)
	require.NoError(t, err)
	defer in.close()

	client, conn := net.Pipe()
	defer client.Close()
	err = in.work(context.Background(), "nosuch", conn)
	assert.ErrorIs(t, err, ErrNoServer)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestRunGoroutineMode(t *testing.T) {
	opts, dir, log := setup(t, greeting+`
foreground yes
worker-mode goroutine
shutdown-timeout 1
pidfile $TMP/smapd.pid
server local unix://$TMP/smapd.sock
`)
	sock := filepath.Join(dir, "smapd.sock")
	pidfile := filepath.Join(dir, "smapd.pid")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Run(ctx, opts) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)

	r := bufio.NewReader(conn)
	for _, tc := range []struct{ req, reply string }{
		{"m alice\n", "OK hello\n"},
		{"x bob\n", "NOTFOUND\n"},
	} {
		_, err := io.WriteString(conn, tc.req)
		require.NoError(t, err)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, tc.reply, line)
	}
	require.NoError(t, conn.Close())

	pid, err := os.ReadFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(pid)))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.NoFileExists(t, sock)
	assert.NoFileExists(t, pidfile)
	assert.Contains(t, log.String(), "terminating")
}

func TestRunWithoutServers(t *testing.T) {
	opts, _, _ := setup(t, greeting+"foreground yes\npidfile $TMP/smapd.pid\n")

	err := Run(context.Background(), opts)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestRestartFallsThrough(t *testing.T) {
	opts, _, log := setup(t, greeting)
	in, err := load(opts, forDaemon)
	require.NoError(t, err)
	defer in.close()

	var called []string
	prev := execve
	execve = func(argv0 string, argv []string, envv []string) error {
		called = append(called, argv0)
		return syscall.ENOENT
	}
	defer func() { execve = prev }()

	in.reexec([]string{"smapd", "-f"})
	assert.Empty(t, called)
	assert.Contains(t, log.String(), "not an absolute path")
	assert.NotContains(t, log.String(), "restarting")

	in.reexec([]string{"/nonexistent/smapd", "-f"})
	assert.Equal(t, []string{"/nonexistent/smapd"}, called)
	assert.Contains(t, log.String(), "restarting")
	assert.Contains(t, log.String(), "cannot restart")
}
