package stream

import (
	"bytes"
	"context"
	"log/slog"
)

// Line-oriented output to a syslog daemon. Satisfied by *syslog.Writer.
type SyslogWriter interface {
	Debug(m string) error
	Info(m string) error
	Notice(m string) error
	Warning(m string) error
	Err(m string) error
	Close() error
}

// Syslog priorities accepted by [NewSyslog].
type SyslogPriority int

const (
	SyslogDebug SyslogPriority = iota
	SyslogInfo
	SyslogNotice
	SyslogWarning
	SyslogErr
)

// Write-only transport emitting one record per output line.
type lineSink struct {
	emit    func(line string) error // Record emitter.
	closeFn func() error            // Optional close hook.
	pending []byte                  // Incomplete trailing line.
}

func (t *lineSink) Read(p []byte) (int, error) {
	return 0, ErrNotSupported
}

func (t *lineSink) Write(p []byte) (int, error) {
	t.pending = append(t.pending, p...)
	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(t.pending[:i], "\r"))
		t.pending = t.pending[i+1:]
		if line == "" {
			continue
		}
		if err := t.emit(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (t *lineSink) Flush() error {
	if len(t.pending) == 0 {
		return nil
	}
	line := string(t.pending)
	t.pending = t.pending[:0]
	return t.emit(line)
}

func (t *lineSink) Close() error {
	t.Flush()
	if t.closeFn != nil {
		return t.closeFn()
	}
	return nil
}

// Creates a write-only stream sending each line to syslog at prio.
func NewSyslog(w SyslogWriter, prio SyslogPriority) *Stream {
	emit := w.Info
	switch prio {
	case SyslogDebug:
		emit = w.Debug
	case SyslogNotice:
		emit = w.Notice
	case SyslogWarning:
		emit = w.Warning
	case SyslogErr:
		emit = w.Err
	}
	return New(&lineSink{emit: emit, closeFn: w.Close}, FlagWrite)
}

// Creates a write-only stream logging each line through logger at level.
func NewLogSink(logger *slog.Logger, level slog.Level) *Stream {
	emit := func(line string) error {
		logger.Log(context.Background(), level, line)
		return nil
	}
	return New(&lineSink{emit: emit}, FlagWrite)
}
