package srvman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/cruciblehq/smapd/internal/logging"
	"github.com/cruciblehq/smapd/internal/metrics"
)

const (

	// Global worker limit used when none is configured.
	DefaultMaxChildren = 128

	// Time workers get to exit after SIGTERM.
	DefaultShutdownTimeout = 5 * time.Second

	// Interval at which exiting workers are polled during shutdown.
	pollInterval = time.Second

	// Time allowed for killed workers to be reaped.
	killWait = time.Second

	// Minimum interval between repeated limit warnings.
	warnInterval = 10 * time.Second
)

// Manager settings.
type Options struct {
	MaxChildren     int              // Global worker limit. 0 uses [DefaultMaxChildren].
	ShutdownTimeout time.Duration    // Grace period after SIGTERM. Negative kills at once.
	SingleProcess   bool             // Serve every server inline.
	Handler         Handler          // Serves connections inline.
	Spawner         Spawner          // Starts workers. Nil runs Handler in goroutines.
	Signals         <-chan os.Signal // Stop and restart signals. May be nil.
	Logger          *slog.Logger     // Nil uses slog.Default().
	Debug           logging.Debug    // Debug table. May be nil.
	Metrics         *metrics.Metrics // May be nil.
}

// Result of one Accept call.
type accepted struct {
	srv  *Server
	conn net.Conn
	err  error
}

// A connection waiting for the global worker count to drop.
type pending struct {
	srv  *Server
	conn net.Conn
}

// A worker that ended.
type exited struct {
	srv *Server
	w   Worker
	err error
}

// Owns a set of servers and their workers.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	spawner  Spawner
	servers  []*Server
	workers  int             // Running workers over all servers.
	pending  []pending       // Accepted connections over the global limit.
	accepted chan accepted   // Accept results.
	exits    chan exited     // Worker exits.
	restart  chan struct{}   // Restart requests.
	quit     chan struct{}   // Closed when shutdown starts.
	done     chan struct{}   // Closed when shutdown ends.
	warn     *rate.Limiter   // Throttles limit warnings.
	wg       sync.WaitGroup  // Accept goroutines.
	wctx     context.Context // Parent context of goroutine workers.
	wcancel  context.CancelFunc
}

// Creates a manager with no servers.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxChildren <= 0 {
		opts.MaxChildren = DefaultMaxChildren
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	spawner := opts.Spawner
	if spawner == nil {
		spawner = &GoroutineSpawner{Handler: opts.Handler}
	}
	wctx, wcancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		spawner:  spawner,
		accepted: make(chan accepted),
		exits:    make(chan exited),
		restart:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		warn:     rate.NewLimiter(rate.Every(warnInterval), 1),
		wctx:     wctx,
		wcancel:  wcancel,
	}
}

func (m *Manager) trace(level int, msg string, args ...any) {
	if m.opts.Debug.Level(logging.CatSrvman) >= level {
		m.logger.Debug(msg, args...)
	}
}

// Registers srv. The URL is parsed here; ids must be unique.
func (m *Manager) Add(srv *Server) error {
	for _, s := range m.servers {
		if s.ID == srv.ID {
			return fmt.Errorf("%w: %s", ErrDuplicate, srv.ID)
		}
	}
	addr, err := ParseURL(srv.URL)
	if err != nil {
		return err
	}
	srv.addr = addr
	srv.state = StateClosed
	srv.workers = map[Worker]struct{}{}
	srv.arm = make(chan struct{}, 1)
	m.servers = append(m.servers, srv)
	m.trace(1, "server added", "server", srv.ID, "addr", addr.String())
	return nil
}

// Returns the registered servers.
func (m *Manager) Servers() []*Server {
	return append([]*Server(nil), m.servers...)
}

// Returns the server registered under id, or nil.
func (m *Manager) Server(id string) *Server {
	for _, s := range m.servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Opens the listener of every server.
//
// A server that cannot listen is logged and removed. Fails with
// [ErrNoServers] when none is left.
func (m *Manager) Open() error {
	kept := m.servers[:0]
	for _, s := range m.servers {
		if s.listener == nil {
			ln, err := listen(s.addr, s.listenOptions())
			if err != nil {
				m.logger.Error("cannot open server", "server", s.ID, "url", s.URL, "error", err)
				continue
			}
			s.listener = ln
			s.state = StateListening
			m.logger.Info("listening", "server", s.ID, "addr", ln.Addr().String())
		}
		kept = append(kept, s)
	}
	clear(m.servers[len(kept):])
	m.servers = kept
	if len(m.servers) == 0 {
		return ErrNoServers
	}
	return nil
}

// Asks a running [Manager.Serve] to return [ErrRestart].
func (m *Manager) Restart() {
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// Accepts and serves connections until ctx is cancelled or a signal
// arrives, then shuts down.
//
// Returns [ErrRestart] after SIGHUP or [Manager.Restart], nil otherwise.
func (m *Manager) Serve(ctx context.Context) error {
	if len(m.servers) == 0 {
		return ErrNoServers
	}
	for _, s := range m.servers {
		if s.listener != nil {
			m.wg.Add(1)
			go m.acceptLoop(s, s.listener)
		}
	}

	var result error
loop:
	for {
		m.arm()
		select {
		case <-ctx.Done():
			m.logger.Info("stopping servers")
			break loop

		case sig := <-m.opts.Signals:
			if sig == syscall.SIGHUP {
				m.logger.Info("restart requested", "signal", sig.String())
				result = ErrRestart
			} else {
				m.logger.Info("stopping servers", "signal", sig.String())
			}
			break loop

		case <-m.restart:
			m.logger.Info("restart requested")
			result = ErrRestart
			break loop

		case a := <-m.accepted:
			m.handle(ctx, a)

		case e := <-m.exits:
			m.reap(e)
		}
	}

	m.shutdown()
	return result
}

// Hands out accept tokens to servers that may take another connection.
func (m *Manager) arm() {
	for _, s := range m.servers {
		if s.listener == nil || s.armed {
			continue
		}
		if s.full() {
			if s.state != StateBusy {
				s.state = StateBusy
				m.trace(1, "server busy", "server", s.ID, "workers", len(s.workers))
				if m.opts.Metrics != nil {
					m.opts.Metrics.ServerBusy.WithLabelValues(s.ID).Inc()
				}
			}
			continue
		}
		if m.workers+len(m.pending) >= m.opts.MaxChildren {
			if m.warn.Allow() {
				m.logger.Warn("too many children, not accepting connections", "workers", m.workers, "max", m.opts.MaxChildren)
			}
			return
		}
		s.state = StateListening
		s.armed = true
		s.arm <- struct{}{}
	}
}

// Accepts one connection on ln per token received on s.arm. Only the main
// loop touches s.listener; ln is closed by it on shutdown.
func (m *Manager) acceptLoop(s *Server, ln net.Listener) {
	defer m.wg.Done()
	for {
		select {
		case <-m.quit:
			return
		case <-s.arm:
		}
		select {
		case <-m.quit:
			return
		default:
		}

		conn, err := ln.Accept()
		select {
		case m.accepted <- accepted{srv: s, conn: conn, err: err}:
		case <-m.quit:
			if conn != nil {
				conn.Close()
			}
			return
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
	}
}

// Starts serving an accepted connection.
func (m *Manager) handle(ctx context.Context, a accepted) {
	s := a.srv
	s.armed = false

	if a.err != nil {
		if errors.Is(a.err, os.ErrDeadlineExceeded) {
			// Paused by an inline handler; armed again by the main loop.
			return
		}
		if errors.Is(a.err, net.ErrClosed) {
			m.logger.Error("listener closed", "server", s.ID)
			s.listener = nil
			s.state = StateShutdown
			return
		}
		if m.warn.Allow() {
			m.logger.Error("accept failed", "server", s.ID, "error", a.err)
		}
		return
	}

	conn := a.conn
	if m.opts.Metrics != nil {
		m.opts.Metrics.Connections.WithLabelValues(s.ID).Inc()
	}
	m.trace(1, "connection accepted", "server", s.ID, "peer", peer(conn))

	if s.PreSpawn != nil && !s.PreSpawn(s, conn) {
		m.trace(1, "connection rejected", "server", s.ID, "peer", peer(conn))
		conn.Close()
		return
	}

	if m.opts.SingleProcess || s.SingleProcess {
		if m.opts.Handler == nil {
			conn.Close()
			m.logger.Error("cannot serve connection", "server", s.ID, "error", ErrNoHandler)
			return
		}
		resume := m.pauseAccept(s)
		err := m.opts.Handler(ctx, s, conn)
		resume()
		if err != nil {
			m.logger.Warn("connection ended with error", "server", s.ID, "error", err)
		}
		return
	}

	// Several servers may be armed when the last free slot is taken.
	if m.workers >= m.opts.MaxChildren {
		m.trace(1, "deferring connection", "server", s.ID, "workers", m.workers)
		s.waiting++
		m.pending = append(m.pending, pending{srv: s, conn: conn})
		return
	}
	m.spawn(s, conn)
}

// Listener whose pending Accept can be interrupted.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Makes the pending Accept of every armed server other than s fail with a
// timeout, so that no connection is taken off a backlog while an inline
// handler runs. The returned function lifts the deadlines.
func (m *Manager) pauseAccept(s *Server) func() {
	var paused []deadliner
	for _, o := range m.servers {
		if o == s || !o.armed || o.listener == nil {
			continue
		}
		if d, ok := o.listener.(deadliner); ok && d.SetDeadline(time.Now()) == nil {
			paused = append(paused, d)
		}
	}
	return func() {
		for _, d := range paused {
			d.SetDeadline(time.Time{})
		}
	}
}

// Starts a worker for conn.
func (m *Manager) spawn(s *Server, conn net.Conn) {
	w, err := m.spawner.Spawn(m.wctx, s, conn)
	if err != nil {
		m.logger.Error("cannot start worker", "server", s.ID, "error", err)
		return
	}
	s.workers[w] = struct{}{}
	m.workers++
	m.gauge(s)
	m.trace(2, "worker started", "server", s.ID, "worker", w.String())

	go func() {
		err := w.Wait()
		select {
		case m.exits <- exited{srv: s, w: w, err: err}:
		case <-m.done:
		}
	}()
}

// Removes an ended worker from the tables.
func (m *Manager) reap(e exited) {
	if _, ok := e.srv.workers[e.w]; !ok {
		return
	}
	delete(e.srv.workers, e.w)
	m.workers--
	m.gauge(e.srv)

	if e.err != nil {
		m.logger.Warn("worker failed", "server", e.srv.ID, "worker", e.w.String(), "error", e.err)
	} else {
		m.trace(2, "worker exited", "server", e.srv.ID, "worker", e.w.String())
	}
	m.resume()
}

// Starts deferred connections while below the global limit.
func (m *Manager) resume() {
	for len(m.pending) > 0 && m.workers < m.opts.MaxChildren {
		p := m.pending[0]
		m.pending = m.pending[1:]
		p.srv.waiting--
		m.spawn(p.srv, p.conn)
	}
}

func (m *Manager) gauge(s *Server) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.Children.WithLabelValues(s.ID).Set(float64(len(s.workers)))
	}
}

func (m *Manager) signalAll(sig os.Signal) {
	for _, s := range m.servers {
		for w := range s.workers {
			if err := w.Signal(sig); err != nil {
				m.trace(1, "cannot signal worker", "worker", w.String(), "signal", sig.String(), "error", err)
			}
		}
	}
}

// Waits for workers to exit until deadline.
func (m *Manager) drain(deadline time.Time) {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for m.workers > 0 {
		wait := time.Until(deadline)
		if wait <= 0 {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case e := <-m.exits:
			m.reap(e)
		case <-tick.C:
			m.trace(1, "waiting for workers", "count", m.workers)
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Stops every worker, closes the listeners and releases server data.
func (m *Manager) shutdown() {
	close(m.quit)
	for _, p := range m.pending {
		p.conn.Close()
		p.srv.waiting--
	}
	m.pending = nil

	if m.workers > 0 {
		m.logger.Info("waiting for workers to exit", "count", m.workers)
		m.signalAll(syscall.SIGTERM)
		m.drain(time.Now().Add(m.opts.ShutdownTimeout))
	}
	if m.workers > 0 {
		m.logger.Warn("killing remaining workers", "count", m.workers)
		m.signalAll(syscall.SIGKILL)
		m.drain(time.Now().Add(killWait))
	}
	m.wcancel()

	for _, s := range m.servers {
		if s.listener != nil {
			s.listener.Close()
			s.listener = nil
			if s.addr.IsUnix() {
				os.Remove(s.addr.Addr)
			}
		}
		s.state = StateShutdown
		if s.Free != nil {
			s.Free(s.Data)
			s.Data = nil
		}
	}
	m.wg.Wait()
	close(m.done)
}
