package logging

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log output formats.
const (
	FormatAuto = "auto" // Console on a terminal, JSON otherwise.
	FormatText = "text" // Console without colours.
	FormatJSON = "json" // One JSON object per line.
)

// Default syslog facility.
const DefaultFacility = "daemon"

// Selects log destinations.
type Options struct {
	Stderr   bool           // Write to stderr (or Output).
	Syslog   bool           // Write to syslog.
	Tag      string         // Syslog tag and console prefix.
	Facility string         // Syslog facility name.
	Format   string         // One of the Format* constants. Empty means [FormatAuto].
	Level    *slog.LevelVar // Minimum level. Nil means info.
	Output   io.Writer      // Replaces stderr when set.
}

// Configured log destinations.
type Output struct {
	Logger *slog.Logger   // Logger writing to every destination.
	Level  *slog.LevelVar // Level shared by Logger.
	syslog *syslog.Writer // Open syslog connection, or nil.
}

// Opens the destinations selected by opts.
//
// With neither destination selected, stderr is used.
func New(opts Options) (*Output, error) {
	out := &Output{Level: opts.Level}
	if out.Level == nil {
		out.Level = new(slog.LevelVar)
	}

	var writers []io.Writer

	if opts.Stderr || !opts.Syslog {
		w, err := consoleWriter(opts)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}

	if opts.Syslog {
		fac := opts.Facility
		if fac == "" {
			fac = DefaultFacility
		}
		prio, err := ParseFacility(fac)
		if err != nil {
			return nil, err
		}
		w, err := syslog.New(prio|syslog.LOG_INFO, opts.Tag)
		if err != nil {
			return nil, fmt.Errorf("syslog: %w", err)
		}
		out.syslog = w
		writers = append(writers, zerolog.SyslogLevelWriter(w))
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(w).With().Timestamp().Logger()
	out.Logger = slog.New(NewHandler(zl, out.Level))
	return out, nil
}

func consoleWriter(opts Options) (io.Writer, error) {
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}

	format := opts.Format
	if format == "" {
		format = FormatAuto
	}

	switch format {
	case FormatJSON:
		return w, nil
	case FormatAuto:
		if f, ok := w.(*os.File); !ok || !isatty(f) {
			return w, nil
		}
		return newConsole(w, opts.Tag, false), nil
	case FormatText:
		return newConsole(w, opts.Tag, true), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

func newConsole(w io.Writer, tag string, noColor bool) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: w, NoColor: noColor, TimeFormat: time.DateTime}
	if tag != "" {
		cw.FormatMessage = func(i any) string {
			if i == nil {
				return tag + ":"
			}
			return tag + ": " + fmt.Sprint(i)
		}
	}
	return cw
}

// Returns the syslog connection, or nil when not logging to syslog.
func (o *Output) Syslog() *syslog.Writer {
	return o.syslog
}

// Closes the syslog connection, if any.
func (o *Output) Close() error {
	if o.syslog == nil {
		return nil
	}
	err := o.syslog.Close()
	o.syslog = nil
	return err
}

var facilities = map[string]syslog.Priority{
	"kern":     syslog.LOG_KERN,
	"user":     syslog.LOG_USER,
	"mail":     syslog.LOG_MAIL,
	"daemon":   syslog.LOG_DAEMON,
	"auth":     syslog.LOG_AUTH,
	"syslog":   syslog.LOG_SYSLOG,
	"lpr":      syslog.LOG_LPR,
	"news":     syslog.LOG_NEWS,
	"uucp":     syslog.LOG_UUCP,
	"cron":     syslog.LOG_CRON,
	"authpriv": syslog.LOG_AUTHPRIV,
	"ftp":      syslog.LOG_FTP,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

// Parses a syslog facility name such as "daemon", "LOG_MAIL" or "local3".
//
// A decimal facility number is accepted as well.
func ParseFacility(name string) (syslog.Priority, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "log_")
	if p, ok := facilities[n]; ok {
		return p, nil
	}
	if v, err := strconv.Atoi(n); err == nil && v >= 0 && v < 24 {
		return syslog.Priority(v << 3), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFacility, name)
}

// Returns the level selected by the quiet and debug switches.
func LevelFor(quiet, debug bool) slog.Level {
	switch {
	case debug:
		return slog.LevelDebug
	case quiet:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// Whether the given file is an interactive terminal.
func isatty(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
