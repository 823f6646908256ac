package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cruciblehq/smapd/internal"
	"github.com/cruciblehq/smapd/internal/config"
	"github.com/cruciblehq/smapd/internal/dispatch"
	"github.com/cruciblehq/smapd/internal/logging"
	"github.com/cruciblehq/smapd/internal/metrics"
	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/module/builtin"
	"github.com/cruciblehq/smapd/internal/server"
)

// Startup settings shared by every entry point.
type Options struct {
	ConfigFile string         // Configuration file.
	Overrides  map[string]any // Settings given on the command line, by name.
	DebugSpecs []string       // Debug specs given on the command line.
	Quiet      bool           // Log warnings and errors only.
	Verbose    bool           // Log at debug level.
	Detached   bool           // Already running in the background.
	WorkerArgs []string       // Arguments re-executed workers start with.
	Catalog    module.Catalog // Available modules. Nil uses the built-in catalog.
	Output     io.Writer      // Replaces stderr for log output.
}

// A loaded configuration with everything built from it.
type instance struct {
	opts     Options
	cfg      *config.Config
	settings *config.Settings
	debug    logging.Debug
	level    *slog.LevelVar
	log      *logging.Output
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *module.Registry
	chain    *dispatch.Chain
}

// What a loaded instance is for.
type purpose int

const (
	forDaemon purpose = iota // Daemon or worker.
	forInetd                 // Connection on stdin and stdout.
	forLint                  // Configuration check. Every error is fatal.
)

// Parses the configuration and loads modules, databases and rules.
//
// Parse errors are logged through a bootstrap logger on stderr (or on
// syslog when stdin is not a terminal, as under inetd) and end the process
// with [ExitConfig].
func load(opts Options, p purpose) (*instance, error) {
	inetd := p == forInetd
	in := &instance{
		opts:    opts,
		debug:   logging.Debug{},
		level:   new(slog.LevelVar),
		metrics: metrics.New(),
	}
	if err := in.debug.SetAll(opts.DebugSpecs); err != nil {
		return nil, exitError(ExitUsage, err)
	}
	in.level.Set(logging.LevelFor(opts.Quiet, opts.Verbose || len(opts.DebugSpecs) > 0))

	boot, err := logging.New(logging.Options{
		Stderr: !inetd || opts.Output != nil || isatty(os.Stdin),
		Syslog: inetd && opts.Output == nil && !isatty(os.Stdin),
		Tag:    internal.Name,
		Level:  in.level,
		Output: opts.Output,
	})
	if err != nil {
		return nil, exitError(ExitUnavailable, err)
	}
	in.log, in.logger = boot, boot.Logger

	catalog := opts.Catalog
	if catalog == nil {
		catalog = builtin.Catalog()
	}
	in.registry = module.NewRegistry(catalog, in.logger, in.debug)
	in.chain = dispatch.NewChain(in.logger, in.debug, in.metrics)

	cfg, err := config.Load(opts.ConfigFile, config.Sink{Registry: in.registry, Chain: in.chain}, in.logger, in.debug)
	if cfg != nil {
		in.metrics.ConfigErrors.Add(float64(cfg.Errors))
	}
	if err != nil {
		boot.Close()
		return nil, exitError(ExitConfig, err)
	}
	in.cfg = cfg

	// Command line debug specs win over the file.
	if err := in.debug.SetAll(opts.DebugSpecs); err != nil {
		boot.Close()
		return nil, exitError(ExitUsage, err)
	}

	in.settings, err = cfg.Resolve(true, opts.Overrides)
	if err != nil {
		boot.Close()
		return nil, exitError(ExitConfig, err)
	}

	if err := in.openLog(p); err != nil {
		boot.Close()
		return nil, exitError(ExitConfig, err)
	}
	boot.Close()

	if err := in.link(p == forLint); err != nil {
		in.close()
		return nil, exitError(ExitConfig, err)
	}
	return in, nil
}

// Replaces the bootstrap logger with the configured destinations.
//
// Without an explicit choice, the daemon logs to stderr in the foreground
// and to syslog otherwise. Lint always logs to stderr.
func (in *instance) openLog(p purpose) error {
	s := in.settings
	toStderr, toSyslog := s.LogToStderr, s.LogToSyslog
	switch {
	case p == forLint:
		toStderr, toSyslog = true, false
	case !s.LogExplicit:
		toStderr = s.Foreground && p == forDaemon
		toSyslog = !toStderr
	}
	if in.opts.Output != nil {
		toStderr, toSyslog = true, false
	}

	tag := s.LogTag
	if tag == "" {
		tag = internal.Name
	}
	if in.debugging() {
		in.level.Set(slog.LevelDebug)
	}

	out, err := logging.New(logging.Options{
		Stderr:   toStderr,
		Syslog:   toSyslog,
		Tag:      tag,
		Facility: s.LogFacility,
		Format:   s.LogFormat,
		Level:    in.level,
		Output:   in.opts.Output,
	})
	if err != nil {
		return err
	}
	in.log, in.logger = out, out.Logger
	in.registry.SetLogger(out.Logger)
	in.chain.SetLogger(out.Logger)
	return nil
}

// Whether any debug category is enabled.
func (in *instance) debugging() bool {
	for _, v := range in.debug {
		if v > 0 {
			return true
		}
	}
	return false
}

// Loads modules, initializes databases and links the rules. With strict
// set, any failure is returned.
func (in *instance) link(strict bool) error {
	var errs []error
	if err := in.registry.Load(); err != nil {
		in.logger.Error(err.Error())
		errs = append(errs, err)
	}
	if err := in.registry.InitDatabases(); err != nil {
		in.logger.Error(err.Error())
		errs = append(errs, err)
	}
	if n := in.chain.Link(in.registry); n > 0 {
		errs = append(errs, fmt.Errorf("%d dispatch rules removed", n))
	}
	in.metrics.ConfigErrors.Add(float64(len(errs)))

	if strict {
		return errors.Join(errs...)
	}
	return nil
}

// Returns the session settings of a server.
func (in *instance) session(id string, sockmap bool) *server.Options {
	return &server.Options{
		ServerID:      id,
		Chain:         in.chain,
		Idle:          in.settings.Idle(),
		Sockmap:       sockmap,
		Trace:         in.settings.Trace,
		TracePatterns: in.settings.TracePatterns,
		Logger:        in.logger,
		Debug:         in.debug,
		Metrics:       in.metrics,
	}
}

// Closes the databases and the log.
func (in *instance) close() {
	if err := in.registry.CloseDatabases(); err != nil {
		in.logger.Warn("closing databases", "error", err)
	}
	if err := in.registry.FreeDatabases(); err != nil {
		in.logger.Warn("freeing databases", "error", err)
	}
	in.log.Close()
}

// Whether the given file is an interactive terminal.
func isatty(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
