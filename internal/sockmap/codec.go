package sockmap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/cruciblehq/smapd/internal/stream"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

const (

	// Maximum number of bytes scanned for the length separator.
	PrefixBound = 20

	// Largest payload accepted unless [Options.MaxRecord] says otherwise.
	DefaultMaxRecord = 1 << 20

	// Read size used while looking for the length prefix.
	prefixChunk = 512

	// Number of trailing bytes included in protocol error reports.
	snapshotSize = 64

	// Debug verbosity at which every record is logged.
	recordLevel = 10
)

// Source of per-category debug verbosity.
type Verbosity interface {
	Level(category string) int
}

// Diagnostics settings shared by the reader and writer.
type Options struct {
	Logger    *slog.Logger       // Destination for diagnostics. Nil uses slog.Default().
	Verbosity Verbosity          // Debug table consulted for record dumps. May be nil.
	Errors    prometheus.Counter // Incremented on every protocol error. May be nil.
	MaxRecord int                // Largest payload accepted. 0 uses [DefaultMaxRecord].
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) maxRecord() int {
	if o.MaxRecord <= 0 {
		return DefaultMaxRecord
	}
	return o.MaxRecord
}

// Per-transport debug state set through stream control codes.
type debugState struct {
	category string // Debug category.
	prefix   string // Record dump prefix.
}

func (d *debugState) ctl(code stream.Ctl, arg any) (any, error) {
	switch code {
	case stream.CtlSetDebugCategory:
		cat, ok := arg.(string)
		if !ok {
			return nil, stream.ErrInvalid
		}
		d.category = cat
		return nil, nil

	case stream.CtlSetDebugPrefix:
		pfx, ok := arg.([2]string)
		if !ok {
			return nil, stream.ErrInvalid
		}
		d.prefix = pfx[0]
		return nil, nil
	}
	return nil, stream.ErrInvalid
}

func (d *debugState) verbose(o Options) bool {
	return o.Verbosity != nil && d.category != "" && o.Verbosity.Level(d.category) >= recordLevel
}

// Decoding transport: each record becomes one line.
type Reader struct {
	r       io.Reader   // Source of framed data.
	closer  io.Closer   // Closed by Close. May be nil.
	peer    string      // Remote address for diagnostics.
	opts    Options     // Diagnostics.
	dbg     debugState  // Debug category and prefix.
	pending []byte      // Bytes read but not yet consumed.
	size    int         // Payload size of the record in progress, or -1.
	scratch [prefixChunk]byte
}

// Creates a decoding transport reading from r.
func NewReader(r io.Reader, opts Options) *Reader {
	rd := &Reader{r: r, opts: opts, size: -1, dbg: debugState{prefix: "recv"}}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	if c, ok := r.(net.Conn); ok && c.RemoteAddr() != nil {
		rd.peer = c.RemoteAddr().String()
	}
	return rd
}

// Reads the length prefix of the next record.
func (r *Reader) readPrefix() error {
	for {
		if i := bytes.IndexByte(r.pending, ':'); i >= 0 && i < PrefixBound {
			digits := r.pending[:i]
			r.pending = r.pending[i+1:]
			return r.parseLength(digits)
		}
		if len(r.pending) >= PrefixBound {
			r.report("prefix too long", r.pending[:PrefixBound], r.pending[PrefixBound:])
			r.pending = nil
			return ErrProtocol
		}

		n, err := r.r.Read(r.scratch[:])
		r.pending = append(r.pending, r.scratch[:n]...)
		if n > 0 {
			continue
		}
		if err == io.EOF || err == nil {
			if len(r.pending) == 0 {
				return io.EOF
			}
			return io.ErrUnexpectedEOF
		}
		return err
	}
}

func (r *Reader) parseLength(digits []byte) error {
	for _, c := range digits {
		if c < '0' || c > '9' {
			r.report("invalid prefix", digits, r.pending)
			r.pending = nil
			return ErrProtocol
		}
	}

	size := 0
	if len(digits) > 0 {
		n, err := strconv.Atoi(string(digits))
		if err != nil {
			r.report("invalid prefix", digits, r.pending)
			r.pending = nil
			return ErrProtocol
		}
		size = n
	}
	if size > r.opts.maxRecord() {
		r.report("record too large", digits, r.pending)
		r.pending = nil
		return ErrProtocol
	}
	r.size = size
	return nil
}

// Logs a framing error with the offending prefix and a snapshot of the
// bytes that followed it.
func (r *Reader) report(diag string, prefix, rest []byte) {
	if r.opts.Errors != nil {
		r.opts.Errors.Inc()
	}
	if len(rest) > snapshotSize {
		rest = rest[:snapshotSize]
	}
	r.opts.logger().Warn("sockmap protocol error",
		"reason", diag,
		"peer", r.peer,
		"prefix", string(prefix),
		"trailing", fmt.Sprintf("%q", rest),
		"trailing_size", humanize.Bytes(uint64(len(rest))),
	)
}

// Reads one record into p as a newline-terminated line.
//
// Returns a [stream.ShortBufferError] when p cannot hold the record; the
// record stays pending for the next call.
func (r *Reader) Read(p []byte) (int, error) {
	if r.size < 0 {
		if err := r.readPrefix(); err != nil {
			return 0, err
		}
	}

	need := r.size + 1
	if len(p) < need {
		return 0, &stream.ShortBufferError{Need: need}
	}

	n := copy(p[:need], r.pending)
	r.pending = r.pending[n:]
	if n < need {
		if _, err := io.ReadFull(r.r, p[n:need]); err != nil {
			r.size = -1
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
	}
	r.size = -1

	if r.dbg.verbose(r.opts) {
		r.opts.logger().Debug(r.dbg.prefix, "record", string(p[:need]))
	}

	if p[need-1] != ',' {
		if r.opts.Errors != nil {
			r.opts.Errors.Inc()
		}
		r.opts.logger().Debug("sockmap protocol error (missing terminating comma)", "peer", r.peer)
		return 0, ErrProtocol
	}
	p[need-1] = '\n'
	return need, nil
}

func (r *Reader) Write(p []byte) (int, error) {
	return 0, stream.ErrNotSupported
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Reader) Ctl(code stream.Ctl, arg any) (any, error) {
	return r.dbg.ctl(code, arg)
}

// Encoding transport: each written line becomes one record.
type Writer struct {
	w       io.Writer  // Destination.
	opts    Options    // Diagnostics.
	dbg     debugState // Debug category and prefix.
	scratch []byte     // Record assembly buffer, grown on demand.
}

// Creates an encoding transport writing to w.
func NewWriter(w io.Writer, opts Options) *Writer {
	return &Writer{w: w, opts: opts, dbg: debugState{prefix: "send"}}
}

func (w *Writer) Read(p []byte) (int, error) {
	return 0, stream.ErrNotSupported
}

// Writes p as one record. The last byte of p is the line terminator and is
// not part of the payload.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.scratch = AppendRecord(w.scratch[:0], p[:len(p)-1])

	if w.dbg.verbose(w.opts) {
		w.opts.logger().Debug(w.dbg.prefix, "record", string(w.scratch))
	}

	if _, err := w.w.Write(w.scratch); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Writer) Close() error {
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (w *Writer) Ctl(code stream.Ctl, arg any) (any, error) {
	return w.dbg.ctl(code, arg)
}

// Appends the framed form of payload to dst.
func AppendRecord(dst, payload []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, ':')
	dst = append(dst, payload...)
	return append(dst, ',')
}

// Returns the framed form of payload.
func Encode(payload []byte) []byte {
	return AppendRecord(make([]byte, 0, len(payload)+PrefixBound+2), payload)
}

// Reads one record from r and returns its payload.
func Decode(r *bufio.Reader) ([]byte, error) {
	var prefix []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(prefix) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' || len(prefix) >= PrefixBound {
			return nil, ErrProtocol
		}
		prefix = append(prefix, c)
	}

	size, err := strconv.Atoi(string(prefix))
	if err != nil || size > DefaultMaxRecord {
		return nil, ErrProtocol
	}
	buf := make([]byte, size+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if buf[size] != ',' {
		return nil, ErrProtocol
	}
	return buf[:size], nil
}

// Creates a framed stream over a connection.
//
// Input is fully buffered and output line buffered, both expandable, with
// [stream.DefaultBufferSize] bytes. Only the output side closes conn.
func NewStream(conn net.Conn, flags stream.Flags, opts Options) *stream.Stream {
	in := stream.New(NewReader(conn, opts), stream.FlagRead|stream.FlagExpBuf|stream.FlagNoClose)
	in.SetBuffer(stream.BufferFull, stream.DefaultBufferSize)
	out := stream.New(NewWriter(conn, opts), stream.FlagWrite|stream.FlagExpBuf|(flags&stream.FlagNoClose))
	out.SetBuffer(stream.BufferLine, stream.DefaultBufferSize)
	return stream.NewIO(in, out)
}

// Creates a framed stream reading from r and writing to w.
func NewStream2(r io.Reader, w io.Writer, flags stream.Flags, opts Options) *stream.Stream {
	nc := flags & stream.FlagNoClose
	in := stream.New(NewReader(r, opts), stream.FlagRead|stream.FlagExpBuf|nc)
	in.SetBuffer(stream.BufferFull, stream.DefaultBufferSize)
	out := stream.New(NewWriter(w, opts), stream.FlagWrite|stream.FlagExpBuf|nc)
	out.SetBuffer(stream.BufferLine, stream.DefaultBufferSize)
	return stream.NewIO(in, out)
}
