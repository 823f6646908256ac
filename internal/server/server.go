package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"github.com/cruciblehq/smapd/internal/dispatch"
	"github.com/cruciblehq/smapd/internal/logging"
	"github.com/cruciblehq/smapd/internal/metrics"
	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/sockmap"
	"github.com/cruciblehq/smapd/internal/stream"
)

const (

	// Server id reported for inetd connections.
	InetdID = "inetd"

	// Debug verbosity at which every line of a session is logged.
	transcriptLevel = 10
)

// Session settings, shared by every connection of a server.
type Options struct {
	ServerID      string           // Id of the listener the connection arrived on.
	Chain         *dispatch.Chain  // Rules answering the queries.
	Idle          time.Duration    // Maximum wait for a request. 0 waits forever.
	Sockmap       bool             // Use netstring framing instead of plain lines.
	Trace         bool             // Log a "map key => reply" record per query.
	TracePatterns []string         // Reply prefixes to trace. Empty traces all.
	Logger        *slog.Logger     // Nil uses slog.Default().
	Debug         logging.Debug    // Debug table. May be nil.
	Metrics       *metrics.Metrics // May be nil.
}

// Read deadline shared by the session loop and the cancellation hook.
type deadline struct {
	mu      sync.Mutex
	target  interface{ SetReadDeadline(time.Time) error }
	stopped bool
}

// Sets the deadline of the next read. After stop, reads fail at once.
func (d *deadline) set(t time.Time) {
	if d.target == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		t = time.Now()
	}
	d.target.SetReadDeadline(t)
}

func (d *deadline) stop() {
	if d.target == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.target.SetReadDeadline(time.Now())
}

// State of one client connection.
type session struct {
	opts   *Options
	logger *slog.Logger
	ci     *module.ConnInfo
	str    *stream.Stream // Request and reply stream.
	trace  *stream.Stream // Trace records. May be nil.
	dl     deadline
}

// Serves the queries arriving on conn until the client disconnects, the
// idle timeout expires or ctx is cancelled. conn is closed on return.
//
// A protocol error returns [ErrProtocol]. End of input and idle timeouts
// are not errors.
func Serve(ctx context.Context, conn net.Conn, opts *Options) error {
	ci := &module.ConnInfo{Src: conn.RemoteAddr(), Dst: conn.LocalAddr()}

	s := newSession(opts, ci)
	if opts.Sockmap {
		s.str = sockmap.NewStream(conn, 0, s.framing())
	} else {
		s.str = stream.NewSocket(conn)
	}
	s.dl.target = conn
	return s.run(ctx)
}

// Serves a single inetd connection over in and out. Neither is closed.
//
// When in is a socket, its addresses are made available to the rules.
func ServeInetd(ctx context.Context, in, out *os.File, opts *Options) error {
	var ci *module.ConnInfo
	if c, err := net.FileConn(in); err == nil {
		ci = &module.ConnInfo{Src: c.RemoteAddr(), Dst: c.LocalAddr()}
		c.Close()
	}

	s := newSession(opts, ci)
	if opts.Sockmap {
		s.str = sockmap.NewStream2(in, out, stream.FlagNoClose, s.framing())
	} else {
		s.str = newFileStream(in, out)
	}

	// Deadlines only work on pollable descriptors; a plain file never
	// blocks, so the error is harmless there.
	if err := in.SetReadDeadline(time.Time{}); err == nil {
		s.dl.target = in
	}
	return s.run(ctx)
}

// Creates a line stream over a pair of files that does not close them.
func newFileStream(in, out *os.File) *stream.Stream {
	r := stream.NewFile(in, stream.FlagRead|stream.FlagNoClose|stream.FlagExpBuf)
	r.SetBuffer(stream.BufferFull, stream.DefaultBufferSize)
	w := stream.NewFile(out, stream.FlagWrite|stream.FlagNoClose|stream.FlagExpBuf)
	w.SetBuffer(stream.BufferLine, stream.DefaultBufferSize)
	return stream.NewIO(r, w)
}

func newSession(opts *Options, ci *module.ConnInfo) *session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", xid.New().String(), "server", opts.ServerID)
	if src := ci.SrcString(); src != "" {
		logger = logger.With("peer", src)
	}

	s := &session{opts: opts, logger: logger, ci: ci}
	if opts.Trace {
		s.trace = stream.NewTrace(stream.NewLogSink(logger, slog.LevelInfo), opts.TracePatterns)
	}
	return s
}

// Returns the codec settings of a sockmap session.
func (s *session) framing() sockmap.Options {
	o := sockmap.Options{Logger: s.logger, Verbosity: s.opts.Debug}
	if s.opts.Metrics != nil {
		o.Errors = s.opts.Metrics.FramingErrors
	}
	return o
}

func (s *session) debug(level int, msg string, args ...any) {
	if s.opts.Debug.Level(logging.CatSmap) >= level {
		s.logger.Debug(msg, args...)
	}
}

func (s *session) run(ctx context.Context) error {
	if s.opts.Chain == nil {
		s.str.Close()
		return ErrNoChain
	}

	if s.opts.Debug.Level(logging.CatSmap) >= transcriptLevel {
		if s.opts.Sockmap {
			s.str.Ctl(stream.CtlSetDebugCategory, logging.CatSmap)
			s.str.Ctl(stream.CtlSetDebugPrefix, stream.DefaultTranscriptPrefix)
		} else {
			s.str = stream.NewTranscript(s.str, s.logger, stream.DefaultTranscriptPrefix)
		}
	}

	stop := context.AfterFunc(ctx, s.dl.stop)
	defer stop()

	s.debug(1, "session started")
	err := s.loop(ctx)
	if cerr := s.str.Close(); cerr != nil && err == nil {
		s.debug(1, "closing connection", "error", cerr)
	}
	if s.trace != nil {
		s.trace.Close()
	}
	s.debug(1, "session ended")
	return err
}

func (s *session) loop(ctx context.Context) error {
	var (
		buf   []byte
		reply bytes.Buffer
	)
	for {
		if s.opts.Idle > 0 {
			s.dl.set(time.Now().Add(s.opts.Idle))
		}
		n, err := s.str.GetLine(&buf)
		if s.opts.Idle > 0 {
			s.dl.set(time.Time{})
		}

		switch {
		case errors.Is(err, io.EOF) || (err == nil && n == 0):
			return nil
		case ctx.Err() != nil:
			s.debug(1, "session cancelled")
			return nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			s.debug(1, "idle timeout", "timeout", s.opts.Idle)
			return nil
		case errors.Is(err, stream.ErrOverflow):
			s.logger.Error("request too long", "size", humanize.IBytes(uint64(n)))
			return err
		case err != nil:
			s.logger.Error("read error", "error", s.str.ErrorString(err))
			return err
		}

		line := strings.TrimSuffix(string(buf[:n]), "\n")
		mapName, key, ok := strings.Cut(line, " ")
		if !ok {
			s.logger.Error(ErrProtocol.Error())
			return ErrProtocol
		}

		reply.Reset()
		q := dispatch.Query{Server: s.opts.ServerID, Conn: s.ci, Map: mapName, Key: key}
		if err := s.opts.Chain.Dispatch(ctx, q, &reply); err != nil {
			s.logger.Error("dispatch failed", "error", err)
			return err
		}
		if reply.Len() == 0 || reply.Bytes()[reply.Len()-1] != '\n' {
			reply.WriteByte('\n')
		}
		s.record(mapName, key, reply.Bytes())

		if _, err := s.str.Write(reply.Bytes()); err != nil {
			s.logger.Error("write error", "error", s.str.ErrorString(err))
			return err
		}
		if err := s.str.Flush(); err != nil {
			s.logger.Error("write error", "error", s.str.ErrorString(err))
			return err
		}
	}
}

// Writes a trace record for one answered query.
func (s *session) record(mapName, key string, reply []byte) {
	if s.trace == nil {
		return
	}
	var b bytes.Buffer
	b.WriteString(mapName)
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(" => ")
	b.Write(reply)
	s.trace.Write(b.Bytes())
	s.trace.Flush()
}
