package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/cruciblehq/smapd/internal"
	"github.com/cruciblehq/smapd/internal/daemon"
	"github.com/cruciblehq/smapd/internal/logging"
	"github.com/cruciblehq/smapd/internal/paths"
)

// Represents the root command for the smapd daemon.
var RootCmd struct {
	Config        string   `short:"c" type:"path" default:"${config_file}" help:"Configuration file." placeholder:"FILE"`
	Foreground    bool     `short:"f" help:"Stay in the foreground."`
	Stderr        bool     `short:"e" help:"Log to stderr."`
	Debug         []string `short:"x" sep:"none" help:"Set debug level, as CATEGORY[.LEVEL]." placeholder:"SPEC"`
	Trace         bool     `short:"t" help:"Trace queries and replies."`
	TracePattern  []string `sep:"none" help:"Trace only replies starting with PATTERN." placeholder:"PATTERN"`
	SingleProcess bool     `short:"S" help:"Serve connections in the daemon process, one at a time."`
	Inetd         bool     `short:"i" help:"Serve a single connection on stdin and stdout."`
	Quiet         bool     `short:"q" help:"Suppress informational output."`
	Verbose       bool     `short:"v" help:"Enable verbose output."`
	LogDebug      bool     `short:"d" help:"Enable debug output."`
	Detached      bool     `hidden:"" name:"detached"`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Start the daemon."`
	Lint    LintCmd    `cmd:"" help:"Check the configuration and exit."`
	Single  InetdCmd   `cmd:"" name:"inetd" help:"Serve a single connection on stdin and stdout."`
	Worker  WorkerCmd  `cmd:"" hidden:"" help:"Serve a connection passed by the daemon."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
//
// Usage errors are returned as a [daemon.ExitError] with [daemon.ExitUsage].
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	parser, err := newParser(ctx)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.Errorf("%s", err)
		return &daemon.ExitError{Code: daemon.ExitUsage, Err: err}
	}

	configureLogger()

	return kongCtx.Run()
}

// Creates the parser for the command tree, binding ctx for the commands.
func newParser(ctx context.Context) (*kong.Kong, error) {
	return kong.New(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Socket map daemon.\n\nAnswers \"MAP KEY\" queries from MTAs by routing them to configured databases."),
		kong.Vars{
			"version":     internal.VersionString(internal.Name),
			"config_file": paths.Config(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
}

// Sets the level of the default logger from the flags. Commands that load
// the configuration switch to its log destinations.
func configureLogger() {
	out, err := logging.New(logging.Options{Stderr: true, Tag: internal.Name})
	if err != nil {
		return
	}
	out.Level.Set(logging.LevelFor(RootCmd.Quiet || internal.IsQuiet(), RootCmd.LogDebug || internal.IsDebug()))
	slog.SetDefault(out.Logger)
}

// Returns the daemon options selected by the global flags.
func options() daemon.Options {
	return daemon.Options{
		ConfigFile: RootCmd.Config,
		Overrides:  overrides(),
		DebugSpecs: RootCmd.Debug,
		Quiet:      RootCmd.Quiet || internal.IsQuiet(),
		Verbose:    RootCmd.Verbose || RootCmd.LogDebug || internal.IsDebug(),
		Detached:   RootCmd.Detached,
		WorkerArgs: workerArgs(),
	}
}

// Returns the settings given on the command line, keyed as in the
// configuration file. Flags left unset do not override the file.
func overrides() map[string]any {
	o := map[string]any{}
	if RootCmd.Foreground {
		o["foreground"] = true
	}
	if RootCmd.Stderr {
		o["log-to-stderr"] = true
		o["log-to-syslog"] = false
	}
	if RootCmd.Trace {
		o["trace"] = true
	}
	if len(RootCmd.TracePattern) > 0 {
		o["trace-pattern"] = RootCmd.TracePattern
	}
	if RootCmd.SingleProcess {
		o["single-process"] = true
	}
	if RootCmd.Inetd {
		o["inetd-mode"] = true
	}
	return o
}

// Returns the arguments of a re-executed worker, which must load the same
// configuration with the same command line settings.
func workerArgs() []string {
	args := []string{"worker", "--config", RootCmd.Config}
	flag := func(set bool, name string) {
		if set {
			args = append(args, name)
		}
	}
	flag(RootCmd.Foreground, "--foreground")
	flag(RootCmd.Stderr, "--stderr")
	flag(RootCmd.Trace, "--trace")
	flag(RootCmd.Quiet, "--quiet")
	flag(RootCmd.Verbose, "--verbose")
	flag(RootCmd.LogDebug, "--log-debug")
	for _, spec := range RootCmd.Debug {
		args = append(args, "--debug", spec)
	}
	for _, p := range RootCmd.TracePattern {
		args = append(args, "--trace-pattern", p)
	}
	return args
}
