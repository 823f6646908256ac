// Package srvman manages the daemon's listening sockets and connection
// workers.
//
// A [Manager] owns a set of [Server] values, each bound to a UNIX or INET
// address. One goroutine per listener calls Accept, but only after the
// manager's main loop has armed it; a server that reached its worker limit,
// or a manager that reached the global one, is left unarmed and new
// connections wait in the kernel backlog.
//
// Accepted connections are passed to a [Spawner]. The default
// [ExecSpawner] re-executes the daemon binary as a worker with the
// connection on file descriptor 3; [GoroutineSpawner] runs the handler in
// the daemon process. In single-process mode the handler runs inline and
// no other connection is accepted until it returns.
//
// The main loop is the only goroutine that touches the worker tables.
// Accept goroutines and worker waiters report to it over channels, and it
// reacts to the signals delivered on [Options.Signals]: SIGHUP ends
// [Manager.Serve] with [ErrRestart], every other signal stops the manager.
// On stop, workers are sent SIGTERM and polled once a second up to the
// shutdown timeout, after which the remaining ones are killed.
//
// Example usage:
//
//	m := srvman.New(srvman.Options{
//	    MaxChildren:     128,
//	    ShutdownTimeout: 5 * time.Second,
//	    Handler:         handle,
//	    Spawner:         &srvman.GoroutineSpawner{Handler: handle},
//	})
//	if err := m.Add(&srvman.Server{ID: "local", URL: "unix:///run/smapd.sock"}); err != nil {
//	    return err
//	}
//	if err := m.Open(); err != nil {
//	    return err
//	}
//	return m.Serve(ctx)
package srvman
