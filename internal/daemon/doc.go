// Package daemon assembles smapd from its parts and runs it.
//
// Every entry point starts the same way: the configuration file is parsed
// into a module registry and a dispatch chain, the scalar settings are
// resolved (defaults, file, SMAPD_* environment, command line), logging is
// opened, and modules, databases and rules are loaded and linked.
//
// [Run] then starts the server manager under a suture supervisor, together
// with the optional metrics endpoint and configuration watcher. Each
// connection is served by a re-executed worker process ([Worker]) or, with
// "worker-mode goroutine", by a goroutine of the daemon. [Inetd] serves a
// single connection on standard input and output, and [Lint] only checks
// the configuration.
//
// Fatal conditions are returned as an [ExitError] carrying a sysexits code.
package daemon
