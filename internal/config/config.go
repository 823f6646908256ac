package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/knadh/koanf/v2"

	"github.com/cruciblehq/smapd/internal/dispatch"
	"github.com/cruciblehq/smapd/internal/logging"
	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/privs"
	"github.com/cruciblehq/smapd/internal/wordsplit"
)

// Receives module, database and dispatch statements.
type Sink struct {
	Registry *module.Registry // Module and database declarations.
	Chain    *dispatch.Chain  // Dispatch rules.
}

// A parsed configuration file.
type Config struct {
	File    string            // Path of the file, used in diagnostics.
	Privs   privs.Info        // Global user and groups.
	Servers []*Server         // Servers in declaration order.
	Vars    map[string]string // Variables assigned in the file.
	Errors  int               // Number of errors reported.

	k      *koanf.Koanf  // Scalar settings set by the file.
	sink   Sink          // Statement receivers.
	logger *slog.Logger  // Diagnostics destination.
	debug  logging.Debug // Debug table updated by debug statements.
	lines  *lineReader   // Statement source.
	block  *Server       // Server block being read, or nil.
}

var assignment = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)=`)

// Reads the configuration file at path.
//
// The returned Config is usable even when the error wraps [ErrConfig], so
// callers can report every problem at once.
func Load(path string, sink Sink, logger *slog.Logger, debug logging.Debug) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path, sink, logger, debug)
}

// Reads configuration statements from r. file names the source in
// diagnostics.
func Parse(r io.Reader, file string, sink Sink, logger *slog.Logger, debug logging.Debug) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debug == nil {
		debug = logging.Debug{}
	}
	c := &Config{
		File:   file,
		Vars:   map[string]string{},
		k:      newKoanf(),
		sink:   sink,
		logger: logger,
		debug:  debug,
		lines:  newLineReader(r),
	}

	for {
		loc, line, ok := c.lines.next(file)
		if !ok {
			break
		}
		c.statement(loc, line)
	}
	if err := c.lines.err; err != nil {
		return c, fmt.Errorf("reading %s: %w", file, err)
	}
	if c.block != nil {
		c.report(c.block.Loc, fmt.Errorf("%w: server %s", ErrUnterminated, c.block.ID))
		c.block = nil
	}

	if c.Errors > 0 {
		return c, fmt.Errorf("%w: %d in %s", ErrConfig, c.Errors, file)
	}
	return c, nil
}

// Logs err against loc and counts it.
func (c *Config) report(loc module.Loc, err error) {
	c.Errors++
	c.logger.Error(loc.String() + ": " + err.Error())
}

func (c *Config) warn(loc module.Loc, msg string) {
	c.logger.Warn(loc.String() + ": " + msg)
}

func (c *Config) trace(level int, msg string, args ...any) {
	if c.debug.Level(logging.CatConf) >= level {
		c.logger.Debug(msg, args...)
	}
}

// Handles one logical line.
func (c *Config) statement(loc module.Loc, line string) {
	if m := assignment.FindStringSubmatch(line); m != nil {
		c.assign(loc, m[1], line[len(m[0]):])
		return
	}

	words, err := wordsplit.Split(line, wordsplit.Options{
		Comments: true,
		Env:      c.Vars,
		Undef:    wordsplit.UndefKeep,
	})
	if err != nil {
		c.report(loc, err)
		return
	}
	if len(words) == 0 {
		return
	}
	c.trace(2, "statement", "loc", loc.String(), "words", words)

	if c.block != nil {
		c.serverStatement(loc, words)
		return
	}
	c.globalStatement(loc, words)
}

// Handles NAME=VALUE. The value must expand to at most one word.
func (c *Config) assign(loc module.Loc, name, value string) {
	words, err := wordsplit.Split(value, wordsplit.Options{
		Comments: true,
		Env:      c.Vars,
		Undef:    wordsplit.UndefError,
	})
	if err != nil {
		c.report(loc, err)
		return
	}
	switch len(words) {
	case 0:
		c.Vars[name] = ""
	case 1:
		c.Vars[name] = words[0]
	default:
		c.report(loc, fmt.Errorf("%w (unquoted assignment?)", ErrTooManyArgs))
		return
	}
	c.trace(1, "variable assigned", "loc", loc.String(), "name", name, "value", c.Vars[name])
}

// Kinds of scalar settings.
type kind int

const (
	kindBool kind = iota
	kindInt
	kindString
	kindList
	kindMode
)

// Global keywords stored in the settings overlay.
var scalars = map[string]kind{
	"inetd-mode":       kindBool,
	"pidfile":          kindString,
	"foreground":       kindBool,
	"idle-timeout":     kindInt,
	"log-to-stderr":    kindBool,
	"log-to-syslog":    kindBool,
	"log-tag":          kindString,
	"log-facility":     kindString,
	"log-format":       kindString,
	"trace":            kindBool,
	"trace-pattern":    kindList,
	"socket-mode":      kindMode,
	"shutdown-timeout": kindInt,
	"backlog":          kindInt,
	"reuseaddr":        kindBool,
	"max-children":     kindInt,
	"single-process":   kindBool,
	"worker-mode":      kindString,
	"metrics-listen":   kindString,
	"watch-config":     kindBool,
}

func (c *Config) globalStatement(loc module.Loc, words []string) {
	kw := words[0]
	if k, ok := scalars[kw]; ok {
		if err := c.setScalar(kw, k, words[1:]); err != nil {
			c.report(loc, fmt.Errorf("%s: %w", kw, err))
		}
		return
	}

	var err error
	switch kw {
	case "debug":
		err = c.setDebug(words[1:])
	case "user", "group", "allgroups":
		err = setPrivs(&c.Privs, kw, words[1:])
	case "server":
		err = c.beginServer(loc, words[1:])
	case "load-path", "append-load-path", "prepend-load-path":
		c.warn(loc, kw+" ignored: modules are compiled in")
	case "module":
		err = c.declareModule(loc, words[1:])
	case "database":
		err = c.declareDatabase(loc, words[1:])
	case "dispatch":
		err = c.declareRule(loc, words[1:])
	default:
		err = fmt.Errorf("%w: %s", ErrUnrecognized, kw)
	}
	if err != nil {
		c.report(loc, err)
	}
}

func (c *Config) setScalar(name string, k kind, args []string) error {
	if k == kindList {
		if len(args) == 0 {
			return ErrMissingArgument
		}
		return c.k.Set(name, append(c.k.Strings(name), args...))
	}

	arg, err := single(args)
	if err != nil {
		return err
	}

	var v any
	switch k {
	case kindBool:
		b, err := parseBool(arg)
		if err != nil {
			return err
		}
		if name == "log-to-syslog" && b {
			if err := c.k.Set("log-to-stderr", false); err != nil {
				return err
			}
		}
		v = b
	case kindInt:
		n, err := parseNumber(arg)
		if err != nil {
			return err
		}
		v = n
	case kindMode:
		m, err := ParseMode(arg)
		if err != nil {
			return err
		}
		v = int(m)
	default:
		if name == "log-facility" {
			if _, err := logging.ParseFacility(arg); err != nil {
				return err
			}
		}
		v = arg
	}
	return c.k.Set(name, v)
}

func (c *Config) setDebug(args []string) error {
	if len(args) == 0 {
		return ErrMissingArgument
	}
	return c.debug.SetAll(args)
}

func (c *Config) declareModule(loc module.Loc, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: module ID TYPE [ARGS...]", ErrMissingArgument)
	}
	if c.sink.Registry == nil {
		return nil
	}
	return c.sink.Registry.DeclareModule(loc, args[0], args[1], args[2:])
}

func (c *Config) declareDatabase(loc module.Loc, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: database ID MODULE [ARGS...]", ErrMissingArgument)
	}
	if c.sink.Registry == nil {
		return nil
	}
	return c.sink.Registry.DeclareDatabase(loc, args[0], args[1], args[2:])
}

func (c *Config) declareRule(loc module.Loc, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: dispatch COND... database ID", ErrMissingArgument)
	}
	if c.sink.Chain == nil {
		return nil
	}
	return c.sink.Chain.Parse(loc, args)
}

// Applies a user, group or allgroups statement to pi.
func setPrivs(pi *privs.Info, kw string, args []string) error {
	switch kw {
	case "user":
		name, err := single(args)
		if err != nil {
			return err
		}
		return pi.SetUser(name)

	case "group":
		if len(args) == 0 {
			return ErrMissingArgument
		}
		for _, g := range args {
			if err := pi.AddGroup(g); err != nil {
				return err
			}
		}
		return nil
	}

	arg, err := single(args)
	if err != nil {
		return err
	}
	b, err := parseBool(arg)
	if err != nil {
		return err
	}
	pi.AllGroups = b
	return nil
}

// Returns the only element of args.
func single(args []string) (string, error) {
	switch len(args) {
	case 0:
		return "", ErrMissingArgument
	case 1:
		return args[0], nil
	}
	return "", ErrTooManyArgs
}

func parseBool(s string) (bool, error) {
	b, err := module.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrBadBool, s)
	}
	return b, nil
}

// Parses a decimal, octal (leading 0) or hexadecimal (leading 0x) number.
func parseNumber(s string) (int, error) {
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		var ne *strconv.NumError
		if errors.As(err, &ne) && errors.Is(ne.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s: out of range", ErrBadNumber, s)
		}
		return 0, fmt.Errorf("%w: %s", ErrBadNumber, s)
	}
	return int(n), nil
}

// Joins backslash-continued physical lines into statements.
type lineReader struct {
	sc   *bufio.Scanner
	line int   // Number of the last physical line read.
	err  error // First read error.
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &lineReader{sc: sc}
}

// Returns the next statement and the number of its first physical line.
func (lr *lineReader) next(file string) (module.Loc, string, bool) {
	var b strings.Builder
	loc := module.Loc{File: file}
	for lr.sc.Scan() {
		lr.line++
		if loc.Line == 0 {
			loc.Line = lr.line
		}
		text := lr.sc.Text()
		if strings.HasSuffix(text, "\\") && !strings.HasSuffix(text, "\\\\") {
			b.WriteString(text[:len(text)-1])
			continue
		}
		b.WriteString(text)
		return loc, b.String(), true
	}
	lr.err = lr.sc.Err()
	if loc.Line != 0 {
		return loc, b.String(), true
	}
	return loc, "", false
}
