package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/cruciblehq/smapd/internal/server"
	"github.com/cruciblehq/smapd/internal/srvman"
)

// Serves one connection handed over by the daemon on descriptor
// [srvman.WorkerFD], then exits.
//
// The worker reloads the configuration, switches to the user and groups of
// its server when running as root, and runs the session. A failed switch
// ends the worker with [ExitUnavailable].
func Worker(ctx context.Context, opts Options, serverID string) error {
	f := os.NewFile(srvman.WorkerFD, "connection")
	if f == nil {
		return exitError(ExitUnavailable, ErrConnection)
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return exitError(ExitUnavailable, fmt.Errorf("%w: %v", ErrConnection, err))
	}

	in, err := load(opts, forDaemon)
	if err != nil {
		conn.Close()
		return err
	}
	defer in.close()
	return in.work(ctx, serverID, conn)
}

// Serves conn for the server named id.
func (in *instance) work(ctx context.Context, id string, conn net.Conn) error {
	cs := in.cfg.Server(id)
	if cs == nil {
		conn.Close()
		return exitError(ExitConfig, fmt.Errorf("%w: %s", ErrNoServer, id))
	}
	srv := in.server(cs)

	if pi := cs.Privs; pi != nil && pi.Set() {
		if os.Geteuid() == 0 {
			if err := pi.Switch(); err != nil {
				conn.Close()
				in.logger.Error("cannot switch privileges", "server", id, "error", err)
				return exitError(ExitUnavailable, err)
			}
		} else {
			in.trace(1, "ignoring server privilege settings", "server", id)
		}
	}

	if err := server.Serve(ctx, conn, srv.Data.(*server.Options)); err != nil {
		return exitError(ExitUnavailable, err)
	}
	return nil
}

// Serves a single connection on standard input and output.
//
// The rules see the server id "inetd". With sockmap set, requests and
// replies are netstring-framed.
func Inetd(ctx context.Context, opts Options, sockmap bool) error {
	in, err := load(opts, forInetd)
	if err != nil {
		return err
	}
	defer in.close()

	if err := in.switchPrivs(); err != nil {
		return err
	}
	if err := server.ServeInetd(ctx, os.Stdin, os.Stdout, in.session(server.InetdID, sockmap)); err != nil {
		return exitError(ExitUnavailable, err)
	}
	return nil
}

// Checks the configuration, including modules, databases and rules.
func Lint(opts Options) error {
	in, err := load(opts, forLint)
	if err != nil {
		var ee *ExitError
		if errors.As(err, &ee) && ee.Code == ExitConfig {
			return exitError(ExitConfig, fmt.Errorf("%w: %w", ErrLint, ee.Err))
		}
		return err
	}
	defer in.close()

	in.logger.Info("configuration OK", "file", in.cfg.File,
		"servers", len(in.cfg.Servers), "rules", in.chain.Len())
	return nil
}
