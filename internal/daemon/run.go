package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/cruciblehq/smapd/internal"
	"github.com/cruciblehq/smapd/internal/config"
	"github.com/cruciblehq/smapd/internal/logging"
	"github.com/cruciblehq/smapd/internal/metrics"
	"github.com/cruciblehq/smapd/internal/paths"
	"github.com/cruciblehq/smapd/internal/server"
	"github.com/cruciblehq/smapd/internal/srvman"
)

// Time the supervisor allows the manager beyond the shutdown timeout.
const supervisorSlack = 3 * time.Second

// Flag marking a background child started by [Run].
const DetachedFlag = "--detached"

// Runs the daemon until ctx is cancelled or a stop signal arrives.
//
// Unless running in the foreground, the daemon first re-executes itself in
// a new session and the calling process returns. SIGHUP, or a change of the
// configuration file with watch-config set, restarts the daemon by
// re-executing it, provided it was started by absolute path.
func Run(ctx context.Context, opts Options) error {
	in, err := load(opts, forDaemon)
	if err != nil {
		return err
	}

	if in.settings.InetdMode {
		in.close()
		return Inetd(ctx, opts, false)
	}

	if !in.settings.Foreground && !opts.Detached {
		defer in.close()
		return in.detach()
	}

	restart, err := in.serve(ctx)
	in.close()
	if err != nil {
		return err
	}
	if restart {
		in.reexec(os.Args)
	}
	in.logger.Info("terminating")
	return nil
}

// Starts a background copy of the daemon and returns.
func (in *instance) detach() error {
	path, err := os.Executable()
	if err != nil {
		return exitError(ExitUnavailable, err)
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return exitError(ExitUnavailable, err)
	}
	defer null.Close()

	cmd := exec.Command(path, append(os.Args[1:], DetachedFlag)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return exitError(ExitUnavailable, fmt.Errorf("failed to become a daemon: %w", err))
	}
	in.logger.Debug("daemon started in background", "pid", cmd.Process.Pid)
	return cmd.Process.Release()
}

// Serves until stopped. Reports whether a restart was requested.
func (in *instance) serve(ctx context.Context) (bool, error) {
	logger := in.logger
	logger.Info("started", "version", internal.VersionString(internal.Name), "pid", os.Getpid())

	if err := in.switchPrivs(); err != nil {
		return false, err
	}

	pidfile := in.settings.Pidfile
	if pidfile == "" {
		pidfile = paths.PIDFile()
	}
	if err := writePID(pidfile); err != nil {
		logger.Warn("cannot write pidfile", "path", pidfile, "error", err)
		pidfile = ""
	}
	defer func() {
		if pidfile != "" {
			if err := os.Remove(pidfile); err != nil {
				logger.Warn("failed to remove pidfile", "path", pidfile, "error", err)
			}
		}
	}()

	if !filepath.IsAbs(os.Args[0]) {
		logger.Warn("started using relative file name; restart (SIGHUP) will not work")
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(sigs)

	mgr := in.manager(sigs)
	if err := mgr.Open(); err != nil {
		logger.Error("no servers configured; exiting")
		return false, exitError(ExitConfig, err)
	}

	root := suture.New(internal.Name, suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
		Timeout:   max(in.settings.Shutdown(), 0) + supervisorSlack,
	})
	svc := &managerService{m: mgr, done: make(chan error, 1)}
	root.Add(svc)
	if addr := in.settings.MetricsListen; addr != "" {
		root.Add(metrics.NewService(addr, in.metrics))
	}
	if in.settings.WatchConfig {
		root.Add(config.NewWatcher(in.cfg.File, mgr.Restart, logger))
	}

	err := root.Serve(ctx)
	if err != nil && !errors.Is(err, suture.ErrTerminateSupervisorTree) && !errors.Is(err, context.Canceled) {
		logger.Warn("supervisor stopped", "error", err)
	}

	// The supervisor gives up on slow services; the manager does not.
	result := <-svc.done
	return errors.Is(result, srvman.ErrRestart), nil
}

// Drops to the global user and groups when running as root.
func (in *instance) switchPrivs() error {
	pi := &in.cfg.Privs
	if !pi.Set() {
		return nil
	}
	if os.Geteuid() != 0 {
		in.trace(1, "ignoring master privilege settings")
		return nil
	}
	if err := pi.ExpandUserGroups(); err != nil {
		return exitError(ExitUnavailable, err)
	}
	if err := pi.Switch(); err != nil {
		in.logger.Error("cannot switch privileges", "error", err)
		return exitError(ExitUnavailable, err)
	}
	return nil
}

// Creates the server manager and registers every configured server.
func (in *instance) manager(sigs <-chan os.Signal) *srvman.Manager {
	s := in.settings

	// A zero shutdown timeout kills workers at once.
	shutdown := s.Shutdown()
	if shutdown == 0 {
		shutdown = -1
	}

	opts := srvman.Options{
		MaxChildren:     s.MaxChildren,
		ShutdownTimeout: shutdown,
		SingleProcess:   s.SingleProcess,
		Handler:         in.handle,
		Signals:         sigs,
		Logger:          in.logger,
		Debug:           in.debug,
		Metrics:         in.metrics,
	}
	if s.WorkerMode == config.WorkerExec {
		opts.Spawner = &srvman.ExecSpawner{Args: in.opts.WorkerArgs, Stderr: os.Stderr}
	}

	mgr := srvman.New(opts)
	for _, cs := range in.cfg.Servers {
		if err := mgr.Add(in.server(cs)); err != nil {
			in.logger.Error(cs.Loc.String()+": cannot add server", "server", cs.ID, "error", err)
		}
	}
	return mgr
}

// Converts a server block into a manager server.
func (in *instance) server(cs *config.Server) *srvman.Server {
	s := in.settings
	srv := &srvman.Server{
		ID:            cs.ID,
		URL:           cs.URL,
		Backlog:       cs.Backlog,
		ReuseAddr:     s.ReuseAddr,
		MaxChildren:   cs.MaxChildren,
		SingleProcess: s.SingleProcess,
		Mode:          cs.Mode,
		Data:          in.session(cs.ID, cs.Protocol == config.ProtocolSockmap),
	}
	if srv.Backlog == 0 {
		srv.Backlog = s.Backlog
	}
	if cs.ReuseAddr != nil {
		srv.ReuseAddr = *cs.ReuseAddr
	}
	if cs.SingleProcess != nil {
		srv.SingleProcess = *cs.SingleProcess
	}
	if srv.Mode == 0 {
		srv.Mode = os.FileMode(s.SocketMode)
	}

	uid, gid := cs.OwnerUID, cs.OwnerGID
	if pi := cs.Privs; pi != nil && pi.Set() {
		if err := pi.ExpandUserGroups(); err != nil {
			in.logger.Warn("cannot expand user groups", "server", cs.ID, "error", err)
		}
		// Workers must be able to use the socket.
		if gid == -1 {
			if uid == -1 {
				uid = pi.UID
			}
			if len(pi.GIDs) > 0 {
				gid = pi.GIDs[0]
			}
		} else {
			pi.AddGID(gid)
		}
	}
	if uid != -1 || gid != -1 {
		srv.Owner = &srvman.SocketOwner{UID: uid, GID: gid}
	}
	return srv
}

// Serves a connection in the daemon process, in goroutine or single
// process mode.
func (in *instance) handle(ctx context.Context, srv *srvman.Server, conn net.Conn) error {
	if cs := in.cfg.Server(srv.ID); cs != nil && cs.Privs != nil && cs.Privs.Set() {
		in.trace(1, "ignoring server privilege settings", "server", srv.ID)
	}
	return server.Serve(ctx, conn, srv.Data.(*server.Options))
}

func (in *instance) trace(level int, msg string, args ...any) {
	if in.debug.Level(logging.CatSmap) >= level {
		in.logger.Debug(msg, args...)
	}
}

// Adapts the manager to the supervisor.
type managerService struct {
	m    *srvman.Manager
	done chan error // Receives the result of the manager's Serve.
}

// Runs the manager once and ends the supervisor tree with it.
func (s *managerService) Serve(ctx context.Context) error {
	s.done <- s.m.Serve(ctx)
	return suture.ErrTerminateSupervisorTree
}

func (s *managerService) String() string {
	return "srvman"
}

// Writes the process id to path.
func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), paths.DefaultFileMode)
}

// Replaces the process.
var execve = syscall.Exec

// Replaces the process with a fresh copy of the daemon started with argv.
// Returns only if that fails, and the daemon then terminates normally.
//
// Go opens every descriptor close-on-exec, so only stdio is inherited.
func (in *instance) reexec(argv []string) {
	if !filepath.IsAbs(argv[0]) {
		in.logger.Warn("cannot restart: program name is not an absolute path", "argv0", argv[0])
		return
	}
	in.logger.Info("restarting")
	err := execve(argv[0], argv, os.Environ())
	in.logger.Error("cannot restart", "error", err)
}
