package srvman

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/smapd/internal/metrics"
)

// Environment variable turning the test binary into an exec worker.
const workerEnv = "SMAPD_SRVMAN_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		os.Exit(runTestWorker())
	}
	os.Exit(m.Run())
}

// Greets the connection on fd 3 with the server id passed last.
func runTestWorker() int {
	f := os.NewFile(WorkerFD, "conn")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return 1
	}
	defer conn.Close()
	fmt.Fprintf(conn, "worker %s\n", os.Args[len(os.Args)-1])
	return 0
}

func socketPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "s.sock")
}

// Runs m.Serve in the background and returns its result channel.
func serve(t *testing.T, m *Manager, ctx context.Context) <-chan error {
	t.Helper()
	require.NoError(t, m.Open())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func greeter(ctx context.Context, srv *Server, conn net.Conn) error {
	defer conn.Close()
	_, err := fmt.Fprintf(conn, "hello %s\n", srv.ID)
	return err
}

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		in      string
		network string
		addr    string
	}{
		{"unix:///run/smapd.sock", "unix", "/run/smapd.sock"},
		{"local:///run/smapd.sock", "unix", "/run/smapd.sock"},
		{"file:///run/smapd.sock", "unix", "/run/smapd.sock"},
		{"/run/smapd.sock", "unix", "/run/smapd.sock"},
		{"inet://127.0.0.1:3145", "tcp4", "127.0.0.1:3145"},
		{"inet6://[::1]:3145", "tcp6", "[::1]:3145"},
		{"tcp://localhost:3145", "tcp", "localhost:3145"},
	}
	for _, tt := range tests {
		a, err := ParseURL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.network, a.Network, tt.in)
		assert.Equal(t, tt.addr, a.Addr, tt.in)
	}

	for _, bad := range []string{"http://x:1", "inet://127.0.0.1", "unix://", "inet://:"} {
		_, err := ParseURL(bad)
		assert.ErrorIs(t, err, ErrBadURL, bad)
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	m := New(Options{Logger: quiet()})
	require.NoError(t, m.Add(&Server{ID: "a", URL: "/tmp/a.sock"}))
	assert.ErrorIs(t, m.Add(&Server{ID: "a", URL: "/tmp/b.sock"}), ErrDuplicate)
	assert.ErrorIs(t, m.Add(&Server{ID: "b", URL: "ftp://x"}), ErrBadURL)
	assert.Len(t, m.Servers(), 1)
	assert.ErrorIs(t, New(Options{}).Serve(context.Background()), ErrNoServers)
}

func TestServeUnix(t *testing.T) {
	path := socketPath(t)
	met := metrics.New()
	freed := false
	m := New(Options{Handler: greeter, Logger: quiet(), Metrics: met})
	require.NoError(t, m.Add(&Server{
		ID:   "local",
		URL:  "unix://" + path,
		Mode: 0o660,
		Data: "state",
		Free: func(data any) { freed = data == "state" },
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), fi.Mode().Perm())

	for range 3 {
		conn, err := net.Dial("unix", path)
		require.NoError(t, err)
		assert.Equal(t, "hello local\n", readLine(t, conn))
		conn.Close()
	}

	cancel()
	require.NoError(t, wait(t, done))
	assert.True(t, freed)
	assert.NoFileExists(t, path)
	assert.Equal(t, 3.0, testutil.ToFloat64(met.Connections.WithLabelValues("local")))
	assert.Equal(t, StateShutdown, m.Server("local").state)
}

func TestServeInet(t *testing.T) {
	m := New(Options{Handler: greeter, Logger: quiet()})
	require.NoError(t, m.Add(&Server{ID: "net", URL: "inet://127.0.0.1:0", ReuseAddr: true, Backlog: 4}))

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	conn, err := net.Dial("tcp", m.Server("net").ListenAddr().String())
	require.NoError(t, err)
	assert.Equal(t, "hello net\n", readLine(t, conn))
	conn.Close()

	cancel()
	require.NoError(t, wait(t, done))
}

// Handler that greets, then blocks until release is closed.
func blocking(release <-chan struct{}) Handler {
	return func(ctx context.Context, srv *Server, conn net.Conn) error {
		defer conn.Close()
		if _, err := fmt.Fprintf(conn, "start %s\n", srv.ID); err != nil {
			return err
		}
		<-release
		return nil
	}
}

func TestBusyServerDefersAccept(t *testing.T) {
	path := socketPath(t)
	release := make(chan struct{})
	met := metrics.New()
	m := New(Options{Handler: blocking(release), Logger: quiet(), Metrics: met})
	require.NoError(t, m.Add(&Server{ID: "s", URL: path, MaxChildren: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	first, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, "start s\n", readLine(t, first))

	second, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = second.Read(make([]byte, 1))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.Equal(t, 1.0, testutil.ToFloat64(met.ServerBusy.WithLabelValues("s")))

	close(release)
	assert.Equal(t, "start s\n", readLine(t, second))

	cancel()
	require.NoError(t, wait(t, done))
}

func TestGlobalLimitDefersAccept(t *testing.T) {
	a, b := socketPath(t), socketPath(t)
	release := make(chan struct{})
	m := New(Options{Handler: blocking(release), Logger: quiet(), MaxChildren: 1})
	require.NoError(t, m.Add(&Server{ID: "a", URL: a}))
	require.NoError(t, m.Add(&Server{ID: "b", URL: b}))

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	first, err := net.Dial("unix", a)
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, "start a\n", readLine(t, first))

	second, err := net.Dial("unix", b)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)

	close(release)
	assert.Equal(t, "start b\n", readLine(t, second))

	cancel()
	require.NoError(t, wait(t, done))
}

func TestSingleProcessSerializes(t *testing.T) {
	path := socketPath(t)
	var running, peak atomic.Int32
	handler := func(ctx context.Context, srv *Server, conn net.Conn) error {
		defer conn.Close()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		_, err := conn.Write([]byte("done\n"))
		return err
	}
	m := New(Options{Handler: handler, Logger: quiet(), SingleProcess: true})
	require.NoError(t, m.Add(&Server{ID: "s", URL: path}))

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("unix", path)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			line, err := bufio.NewReader(conn).ReadString('\n')
			assert.NoError(t, err)
			assert.Equal(t, "done\n", line)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())

	cancel()
	require.NoError(t, wait(t, done))
}

func TestSignals(t *testing.T) {
	for _, tt := range []struct {
		sig  os.Signal
		want error
	}{
		{syscall.SIGHUP, ErrRestart},
		{syscall.SIGTERM, nil},
		{syscall.SIGINT, nil},
	} {
		sigs := make(chan os.Signal, 1)
		m := New(Options{Handler: greeter, Logger: quiet(), Signals: sigs})
		require.NoError(t, m.Add(&Server{ID: "s", URL: socketPath(t)}))
		done := serve(t, m, context.Background())

		sigs <- tt.sig
		err := wait(t, done)
		if tt.want == nil {
			assert.NoError(t, err, tt.sig.String())
		} else {
			assert.ErrorIs(t, err, tt.want, tt.sig.String())
		}
	}
}

func TestRestart(t *testing.T) {
	m := New(Options{Handler: greeter, Logger: quiet()})
	require.NoError(t, m.Add(&Server{ID: "s", URL: socketPath(t)}))
	done := serve(t, m, context.Background())

	m.Restart()
	assert.ErrorIs(t, wait(t, done), ErrRestart)
}

func TestShutdownKillsStragglers(t *testing.T) {
	path := socketPath(t)
	stuck := func(ctx context.Context, srv *Server, conn net.Conn) error {
		defer conn.Close()
		conn.Write([]byte("ready\n"))
		_, err := conn.Read(make([]byte, 1))
		return err
	}
	m := New(Options{Handler: stuck, Logger: quiet(), ShutdownTimeout: -1})
	require.NoError(t, m.Add(&Server{ID: "s", URL: path}))

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "ready\n", readLine(t, conn))

	start := time.Now()
	cancel()
	require.NoError(t, wait(t, done))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStaleSocket(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()
	require.FileExists(t, path)

	m := New(Options{Handler: greeter, Logger: quiet()})
	require.NoError(t, m.Add(&Server{ID: "s", URL: path}))
	assert.ErrorIs(t, m.Open(), ErrNoServers)
	assert.Empty(t, m.Servers())

	m = New(Options{Handler: greeter, Logger: quiet()})
	require.NoError(t, m.Add(&Server{ID: "s", URL: path, ReuseAddr: true}))
	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSocketMode, fi.Mode().Perm())

	cancel()
	require.NoError(t, wait(t, done))
}

func TestRegularFileIsNotReplaced(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	_, err := listen(Address{Network: "unix", Addr: path}, listenOptions{reuseAddr: true, uid: -1, gid: -1})
	assert.ErrorIs(t, err, ErrNotSocket)
	assert.FileExists(t, path)
}

func TestPreSpawnRejects(t *testing.T) {
	path := socketPath(t)
	var calls atomic.Int32
	m := New(Options{Handler: greeter, Logger: quiet()})
	require.NoError(t, m.Add(&Server{
		ID:  "s",
		URL: path,
		PreSpawn: func(srv *Server, conn net.Conn) bool {
			return calls.Add(1) > 1
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = bufio.NewReader(conn).ReadString('\n')
	assert.Error(t, err)
	conn.Close()

	conn, err = net.Dial("unix", path)
	require.NoError(t, err)
	assert.Equal(t, "hello s\n", readLine(t, conn))
	conn.Close()

	cancel()
	require.NoError(t, wait(t, done))
}

func TestExecSpawner(t *testing.T) {
	path := socketPath(t)
	spawner := &ExecSpawner{
		Path: os.Args[0],
		Env:  append(os.Environ(), workerEnv+"=1"),
	}
	m := New(Options{Spawner: spawner, Logger: quiet()})
	require.NoError(t, m.Add(&Server{ID: "exec", URL: path}))

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	assert.Equal(t, "worker exec\n", readLine(t, conn))
	conn.Close()

	cancel()
	require.NoError(t, wait(t, done))
}

func TestShutdownWhileArmed(t *testing.T) {
	for range 50 {
		m := New(Options{Handler: greeter, Logger: quiet()})
		require.NoError(t, m.Add(&Server{ID: "s", URL: socketPath(t)}))
		ctx, cancel := context.WithCancel(context.Background())
		done := serve(t, m, ctx)
		cancel()
		require.NoError(t, wait(t, done))
	}
}

// Counts the connections taken off the backlog.
type countingListener struct {
	*net.UnixListener
	accepted atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.UnixListener.Accept()
	if err == nil {
		l.accepted.Add(1)
	}
	return conn, err
}

func TestSingleProcessLeavesOtherBacklogs(t *testing.T) {
	a, b := socketPath(t), socketPath(t)
	release := make(chan struct{})
	handler := func(ctx context.Context, srv *Server, conn net.Conn) error {
		if srv.ID == "a" {
			return blocking(release)(ctx, srv, conn)
		}
		return greeter(ctx, srv, conn)
	}
	m := New(Options{Handler: handler, Logger: quiet(), SingleProcess: true})
	require.NoError(t, m.Add(&Server{ID: "a", URL: a}))
	require.NoError(t, m.Add(&Server{ID: "b", URL: b}))

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: b, Net: "unix"})
	require.NoError(t, err)
	counted := &countingListener{UnixListener: ln}
	m.Server("b").listener = counted

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(t, m, ctx)

	first, err := net.Dial("unix", a)
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, "start a\n", readLine(t, first))

	second, err := net.Dial("unix", b)
	require.NoError(t, err)
	defer second.Close()
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, counted.accepted.Load(), "accepted while an inline handler runs")

	close(release)
	assert.Equal(t, "hello b\n", readLine(t, second))
	assert.Equal(t, int32(1), counted.accepted.Load())

	cancel()
	require.NoError(t, wait(t, done))
}
