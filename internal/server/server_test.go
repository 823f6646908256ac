package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/smapd/internal/dispatch"
	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/module/echo"
	"github.com/cruciblehq/smapd/internal/sockmap"
)

// Builds a chain routing map "m" to an echo database replying "OK hello".
func newChain(t *testing.T) *dispatch.Chain {
	t.Helper()
	reg := module.NewRegistry(module.Catalog{echo.Type.Name: echo.Type}, nil, nil)
	require.NoError(t, reg.DeclareDatabase(module.Loc{}, "greeting", "echo", []string{"OK", "hello"}))
	require.NoError(t, reg.Load())
	require.NoError(t, reg.InitDatabases())

	c := dispatch.NewChain(nil, nil, nil)
	require.NoError(t, c.Parse(module.Loc{File: "test.conf", Line: 1}, []string{"map", "m", "database", "greeting"}))
	require.Zero(t, c.Link(reg))
	return c
}

func newOptions(t *testing.T, log *bytes.Buffer) *Options {
	return &Options{
		ServerID: "test",
		Chain:    newChain(t),
		Logger:   slog.New(slog.NewTextHandler(log, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

// Runs Serve over one end of a pipe and returns the other end along with
// a channel delivering Serve's result.
func start(ctx context.Context, opts *Options) (net.Conn, <-chan error) {
	client, srv := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, opts) }()
	return client, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestServeAnswersInOrder(t *testing.T) {
	var log bytes.Buffer
	client, done := start(context.Background(), newOptions(t, &log))
	r := bufio.NewReader(client)

	for _, tc := range []struct{ req, reply string }{
		{"m alice\n", "OK hello\n"},
		{"other bob\n", "NOTFOUND\n"},
		{"m key with spaces\n", "OK hello\n"},
	} {
		_, err := io.WriteString(client, tc.req)
		require.NoError(t, err)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, tc.reply, line, "reply to %q", tc.req)
	}

	require.NoError(t, client.Close())
	assert.NoError(t, wait(t, done))
}

func TestProtocolErrorDropsConnection(t *testing.T) {
	var log bytes.Buffer
	client, done := start(context.Background(), newOptions(t, &log))

	_, err := io.WriteString(client, "nospace\n")
	require.NoError(t, err)

	assert.ErrorIs(t, wait(t, done), ErrProtocol)
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, log.String(), "missing map name")
}

func TestIdleTimeout(t *testing.T) {
	var log bytes.Buffer
	opts := newOptions(t, &log)
	opts.Idle = 50 * time.Millisecond
	client, done := start(context.Background(), opts)
	defer client.Close()

	assert.NoError(t, wait(t, done))
}

func TestIdleTimeoutDoesNotCoverReplies(t *testing.T) {
	var log bytes.Buffer
	opts := newOptions(t, &log)
	opts.Idle = 50 * time.Millisecond
	client, done := start(context.Background(), opts)
	defer client.Close()

	_, err := io.WriteString(client, "m key\n")
	require.NoError(t, err)

	// The reply write blocks on the pipe until it is read, well past
	// the idle timeout.
	time.Sleep(150 * time.Millisecond)
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK hello\n", line)
	assert.NoError(t, wait(t, done))
}

func TestCancelEndsSession(t *testing.T) {
	var log bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	client, done := start(ctx, newOptions(t, &log))
	defer client.Close()

	cancel()
	assert.NoError(t, wait(t, done))
}

func TestSockmapProtocol(t *testing.T) {
	var log bytes.Buffer
	opts := newOptions(t, &log)
	opts.Sockmap = true
	client, done := start(context.Background(), opts)
	r := bufio.NewReader(client)

	_, err := client.Write(sockmap.Encode([]byte("m alice")))
	require.NoError(t, err)
	reply, err := sockmap.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, "OK hello", string(reply))

	_, err = client.Write(sockmap.Encode([]byte("nomatch x")))
	require.NoError(t, err)
	reply, err = sockmap.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, "NOTFOUND", string(reply))

	require.NoError(t, client.Close())
	assert.NoError(t, wait(t, done))
}

func TestTrace(t *testing.T) {
	var log bytes.Buffer
	opts := newOptions(t, &log)
	opts.Trace = true
	opts.TracePatterns = []string{"OK"}
	client, done := start(context.Background(), opts)
	r := bufio.NewReader(client)

	for _, req := range []string{"m alice\n", "other bob\n"} {
		_, err := io.WriteString(client, req)
		require.NoError(t, err)
		_, err = r.ReadString('\n')
		require.NoError(t, err)
	}
	require.NoError(t, client.Close())
	require.NoError(t, wait(t, done))

	assert.Contains(t, log.String(), "m alice => OK hello")
	assert.NotContains(t, log.String(), "other bob =>")
}

func TestSessionID(t *testing.T) {
	var log bytes.Buffer
	opts := newOptions(t, &log)
	opts.Trace = true
	client, done := start(context.Background(), opts)

	_, err := io.WriteString(client, "m alice\n")
	require.NoError(t, err)
	_, err = bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, wait(t, done))

	assert.Regexp(t, `session=[0-9a-v]{20}`, log.String())
	assert.Contains(t, log.String(), "server=test")
}

func TestServeInetd(t *testing.T) {
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	defer inR.Close()
	defer outR.Close()

	var log bytes.Buffer
	opts := newOptions(t, &log)
	opts.ServerID = InetdID
	done := make(chan error, 1)
	go func() {
		done <- ServeInetd(context.Background(), inR, outW, opts)
		outW.Close()
	}()

	_, err = io.WriteString(inW, "m alice\nother bob\n")
	require.NoError(t, err)
	require.NoError(t, inW.Close())

	out, err := io.ReadAll(outR)
	require.NoError(t, err)
	assert.Equal(t, "OK hello\nNOTFOUND\n", string(out))
	assert.NoError(t, wait(t, done))
}

func TestNoChain(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	assert.ErrorIs(t, Serve(context.Background(), srv, &Options{}), ErrNoChain)
}
