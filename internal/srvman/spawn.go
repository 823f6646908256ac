package srvman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"
)

// File descriptor on which an exec worker receives its connection.
const WorkerFD = 3

// Serves one connection. The handler owns conn and must close it.
type Handler func(ctx context.Context, srv *Server, conn net.Conn) error

// Starts a worker for an accepted connection.
//
// Spawn takes ownership of conn. The returned worker is reaped by the
// manager through [Worker.Wait].
type Spawner interface {
	Spawn(ctx context.Context, srv *Server, conn net.Conn) (Worker, error)
}

// A running connection worker.
type Worker interface {
	Wait() error                // Blocks until the worker ends.
	Signal(sig os.Signal) error // Delivers SIGTERM or SIGKILL.
	String() string             // Identifies the worker in logs.
}

// Runs each connection in a re-executed copy of the daemon.
//
// The child is started as Path with Args followed by "--server ID", and
// receives the connection as file descriptor [WorkerFD].
type ExecSpawner struct {
	Path   string    // Executable. Empty uses os.Executable.
	Args   []string  // Arguments, not including the program name.
	Env    []string  // Environment. Nil inherits the daemon's.
	Stderr io.Writer // Worker stderr. Nil discards it.
}

// Starts a worker process for conn.
func (s *ExecSpawner) Spawn(_ context.Context, srv *Server, conn net.Conn) (Worker, error) {
	defer conn.Close()

	fc, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotFile, conn)
	}
	f, err := fc.File()
	if err != nil {
		return nil, fmt.Errorf("connection file: %w", err)
	}
	defer f.Close()

	path := s.Path
	if path == "" {
		if path, err = os.Executable(); err != nil {
			return nil, err
		}
	}

	args := append(append([]string(nil), s.Args...), "--server", srv.ID)
	cmd := exec.Command(path, args...)
	cmd.ExtraFiles = []*os.File{f}
	cmd.Env = s.Env
	cmd.Stderr = s.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return &process{cmd: cmd}, nil
}

type process struct {
	cmd *exec.Cmd
}

func (p *process) Wait() error {
	err := p.cmd.Wait()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Errorf("%w: killed by %s", ErrWorkerState, ws.Signal())
		}
		return fmt.Errorf("%w: exit status %d", ErrWorkerState, ee.ExitCode())
	}
	return err
}

func (p *process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *process) String() string {
	return fmt.Sprintf("pid %d", p.cmd.Process.Pid)
}

// Runs each connection in a goroutine of the daemon process.
type GoroutineSpawner struct {
	Handler Handler
}

// Starts a goroutine serving conn.
func (s *GoroutineSpawner) Spawn(ctx context.Context, srv *Server, conn net.Conn) (Worker, error) {
	if s.Handler == nil {
		conn.Close()
		return nil, ErrNoHandler
	}
	wctx, cancel := context.WithCancel(ctx)
	g := &goroutine{conn: conn, cancel: cancel, done: make(chan struct{}), id: peer(conn)}
	go func() {
		defer close(g.done)
		defer cancel()
		g.err = s.Handler(wctx, srv, conn)
	}()
	return g, nil
}

type goroutine struct {
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	id     string
}

func (g *goroutine) Wait() error {
	<-g.done
	return g.err
}

// SIGTERM cancels the handler's context; SIGKILL also closes the
// connection so blocked reads return.
func (g *goroutine) Signal(sig os.Signal) error {
	g.cancel()
	if sig == syscall.SIGKILL {
		return g.conn.Close()
	}
	return nil
}

func (g *goroutine) String() string {
	return "goroutine " + g.id
}

// Returns the peer address of conn for logging.
func peer(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil && a.String() != "" {
		return a.String()
	}
	return "local"
}
