// Parses the smapd command line and runs the selected command.
//
// Commands:
//
//	run         Start the daemon (the default).
//	lint        Check the configuration and exit.
//	inetd       Serve a single connection on stdin and stdout.
//	version     Show version information.
//
// Global flags:
//
//	-c, --config FILE        Configuration file.
//	-f, --foreground         Stay in the foreground.
//	-e, --stderr             Log to stderr.
//	-x, --debug SPEC         Set a debug level, as CATEGORY[.LEVEL].
//	-t, --trace              Trace queries and replies.
//	--trace-pattern PATTERN  Trace only replies starting with PATTERN.
//	-S, --single-process     Serve connections in the daemon process.
//	-i, --inetd              Serve a single connection on stdin and stdout.
//	-q, --quiet              Suppress informational output.
//	-v, --verbose            Enable verbose output.
//	-d, --log-debug          Enable debug output.
//
// Flags override the configuration file and SMAPD_* environment variables.
// The hidden worker command serves one connection handed over by the daemon
// and is started with the same flags.
package cli
