package stream

import (
	"fmt"
	"io"
	"time"
)

// Buffering policy of a [Stream].
type BufferType int

const (
	BufferNone BufferType = iota // Every call goes to the transport.
	BufferLine                   // Line-at-a-time buffering.
	BufferFull                   // Block buffering.
)

// Stream mode and behaviour flags.
type Flags int

const (
	FlagRead    Flags = 1 << iota // Stream may be read.
	FlagWrite                     // Stream may be written.
	FlagSeek                      // Stream may be repositioned.
	FlagNoClose                   // Closing the stream leaves the transport open.
	FlagExpBuf                    // Buffers grow instead of delivering partial data.

	FlagReadWrite = FlagRead | FlagWrite
)

const (

	// Default buffer size used by the socket constructors.
	DefaultBufferSize = 1024

	// Ceiling for buffer growth, unless changed with [Stream.SetMaxBuffer].
	MaxBufferSize = 1 << 30

	// Initial size of a caller buffer allocated by [Stream.GetDelim].
	getdelimInitial = 120
)

// Buffered byte stream over a [Transport].
//
// A Stream is not safe for concurrent use.
type Stream struct {
	t        Transport  // Underlying transport.
	flags    Flags      // Mode flags.
	refs     int        // Reference count.
	buftype  BufferType // Buffering policy.
	buf      []byte     // Buffer storage; len(buf) is the buffer size.
	cur      int        // Offset of the first buffered byte.
	level    int        // Number of buffered bytes starting at cur.
	maxBuf   int        // Growth ceiling.
	offset   int64      // Transport position.
	bytesIn  int64      // Bytes read from the transport.
	bytesOut int64      // Bytes written to the transport.
	lastErr  error      // Most recent error.
	perm     bool       // Whether lastErr is sticky.
	eof      bool       // End of input seen.
	dirty    bool       // Buffer holds output not yet written.
	wrt      bool       // Transport has unflushed writes.
	closed   bool       // Transport has been closed.
}

// Creates a new unbuffered stream over t with one reference.
func New(t Transport, flags Flags) *Stream {
	return &Stream{
		t:      t,
		flags:  flags,
		refs:   1,
		maxBuf: MaxBufferSize,
	}
}

// Returns the stream transport.
func (s *Stream) Transport() Transport {
	return s.t
}

// Sets the buffering policy and buffer size.
//
// Pending output is flushed first. A size of zero selects [BufferNone].
func (s *Stream) SetBuffer(bt BufferType, size int) error {
	if size <= 0 {
		bt = BufferNone
	}
	if s.buf != nil {
		s.Flush()
	}

	s.buftype = bt
	s.cur, s.level = 0, 0
	if bt == BufferNone {
		s.buf = nil
		return nil
	}
	if size > s.maxBuf {
		s.buftype = BufferNone
		s.buf = nil
		return s.setError(ErrNoMem, true)
	}
	s.buf = make([]byte, size)
	return nil
}

// Sets the ceiling for buffer growth.
func (s *Stream) SetMaxBuffer(n int) {
	s.maxBuf = n
}

// Returns the current buffer size.
func (s *Stream) BufferSize() int {
	return len(s.buf)
}

// Adds flags. Internal state is not affected.
func (s *Stream) SetFlags(f Flags) {
	s.flags |= f
}

// Removes flags.
func (s *Stream) ClearFlags(f Flags) {
	s.flags &^= f
}

// Returns the mode flags.
func (s *Stream) Flags() Flags {
	return s.flags
}

// Opens the transport, if it needs opening, and resets byte counters.
func (s *Stream) Open() error {
	if o, ok := s.t.(Opener); ok {
		if err := o.Open(); err != nil {
			return s.setError(err, true)
		}
	}
	s.bytesIn, s.bytesOut = 0, 0
	return nil
}

// Records err as the last error, making it sticky when perm is set and the
// error is not transient.
func (s *Stream) setError(err error, perm bool) error {
	s.lastErr = err
	if err != nil && perm && !isTransient(err) {
		s.perm = true
	}
	return err
}

// Returns the sticky error, or nil.
func (s *Stream) Err() error {
	if s.perm {
		return s.lastErr
	}
	return nil
}

// Returns the most recent error, sticky or not.
func (s *Stream) LastError() error {
	return s.lastErr
}

// Clears the error and EOF state.
func (s *Stream) ClearErr() {
	s.lastErr = nil
	s.perm = false
	s.eof = false
}

// Whether end of input has been seen.
func (s *Stream) EOF() bool {
	return s.eof
}

// Returns the number of bytes read from the transport.
func (s *Stream) BytesIn() int64 {
	return s.bytesIn
}

// Returns the number of bytes written to the transport.
func (s *Stream) BytesOut() int64 {
	return s.bytesOut
}

// Renders err using the transport's own messages when available.
func (s *Stream) ErrorString(err error) string {
	if es, ok := s.t.(ErrorStringer); ok {
		return es.ErrorString(err)
	}
	return err.Error()
}

// Reads directly from the transport.
//
// When full is set the call loops until p is filled, end of input, or an
// error. End of input is reported as (0, nil) with the eof flag set.
func (s *Stream) readUnbuffered(p []byte, full bool) (int, error) {
	if s.flags&FlagRead == 0 {
		return 0, s.setError(ErrAccess, true)
	}
	if s.perm {
		return 0, s.lastErr
	}
	if s.eof || len(p) == 0 {
		return 0, nil
	}

	nread := 0
	var err error
	for len(p) > 0 {
		var n int
		n, err = s.t.Read(p)
		if n > 0 {
			nread += n
			s.bytesIn += int64(n)
			p = p[n:]
		}
		if err == io.EOF || (err == nil && n == 0) {
			s.eof = true
			err = nil
			break
		}
		if err != nil || !full {
			break
		}
	}

	s.offset += int64(nread)
	if err != nil {
		if full && nread > 0 {
			s.setError(err, false)
		} else {
			s.setError(err, true)
		}
	}
	return nread, err
}

// Writes p to the transport, looping until it is fully accepted.
func (s *Stream) writeUnbuffered(p []byte) (int, error) {
	if s.flags&FlagWrite == 0 {
		return 0, s.setError(ErrAccess, true)
	}
	if s.perm {
		return 0, s.lastErr
	}
	if len(p) == 0 {
		return 0, nil
	}

	written := 0
	var err error
	for len(p) > 0 {
		var n int
		n, err = s.t.Write(p)
		if n > 0 {
			written += n
			s.bytesOut += int64(n)
			p = p[n:]
		}
		if err != nil {
			break
		}
		if n == 0 {
			err = ErrShortWrite
			break
		}
	}

	s.wrt = true
	s.offset += int64(written)
	s.setError(err, err != nil)
	return written, err
}

// Reads up to len(p) bytes.
//
// A line-buffered stream stops after a newline. At end of input the
// method returns (0, io.EOF) until the state is cleared.
func (s *Stream) Read(p []byte) (int, error) {
	if s.buftype == BufferNone {
		n, err := s.readUnbuffered(p, false)
		if err == nil && n == 0 && len(p) > 0 && s.eof {
			return 0, io.EOF
		}
		return n, err
	}

	if s.dirty {
		if err := s.flushBuffer(true); err != nil {
			return 0, err
		}
	}

	nbytes := 0
	for len(p) > 0 {
		if s.level == 0 {
			if err := s.fill(); err != nil {
				if nbytes > 0 {
					break
				}
				return 0, err
			}
			if s.level == 0 {
				break
			}
		}

		n := copy(p, s.buf[s.cur:s.cur+s.level])
		s.advance(n)
		nbytes += n
		p = p[n:]
		if s.buftype == BufferLine && s.buf[s.cur-1] == '\n' {
			break
		}
	}

	if nbytes == 0 && s.eof {
		return 0, io.EOF
	}
	return nbytes, nil
}

// Writes p.
//
// Buffered output is written to the transport whenever the buffer fills
// or, for line buffering, contains a newline.
func (s *Stream) Write(p []byte) (int, error) {
	if s.buftype == BufferNone {
		return s.writeUnbuffered(p)
	}

	if !s.dirty && s.level > 0 {
		s.advance(s.level)
		s.cur = 0
	}

	nbytes := 0
	for {
		if s.bufferFull() {
			if err := s.flushBuffer(false); err != nil {
				return nbytes, err
			}
		}
		if len(p) == 0 {
			break
		}

		n := copy(s.buf[s.cur+s.level:], p)
		s.level += n
		nbytes += n
		p = p[n:]
		s.dirty = true
	}
	return nbytes, nil
}

// Writes a formatted string.
func (s *Stream) Printf(format string, args ...any) (int, error) {
	return fmt.Fprintf(s, format, args...)
}

// Writes str followed by CRLF.
func (s *Stream) WriteLine(str string) error {
	if _, err := io.WriteString(s, str); err != nil {
		return err
	}
	_, err := io.WriteString(s, "\r\n")
	return err
}

// Writes all buffered output and flushes the transport.
//
// Unread buffered input is discarded.
func (s *Stream) Flush() error {
	if err := s.flushBuffer(true); err != nil {
		return err
	}
	if s.wrt {
		s.wrt = false
		if f, ok := s.t.(Flusher); ok {
			return f.Flush()
		}
	}
	return nil
}

// Flushes pending output and closes the transport if this is the last
// reference.
//
// Closing is idempotent. When other references remain the transport stays
// open. [FlagNoClose] keeps the transport open in all cases.
func (s *Stream) Close() error {
	if s == nil {
		return ErrInvalid
	}

	err := s.Flush()
	if s.refs > 1 || s.closed {
		return nil
	}

	s.closed = true
	if s.flags&FlagNoClose != 0 {
		return err
	}
	if cerr := s.t.Close(); cerr != nil {
		return cerr
	}
	return err
}

// Adds a reference.
func (s *Stream) Ref() {
	s.refs++
}

// Drops a reference, closing the stream and releasing its buffer when the
// count reaches zero.
func (s *Stream) Unref() error {
	if s == nil {
		return nil
	}
	if s.refs > 0 {
		s.refs--
	}
	if s.refs > 0 {
		return nil
	}

	err := s.Close()
	s.buf = nil
	s.cur, s.level = 0, 0
	return err
}

// Returns the number of live references.
func (s *Stream) Refs() int {
	return s.refs
}

// Passes a control code to the transport.
func (s *Stream) Ctl(code Ctl, arg any) (any, error) {
	c, ok := s.t.(Controller)
	if !ok {
		return nil, ErrNotSupported
	}
	return c.Ctl(code, arg)
}

// Waits until the stream is ready for the requested operations.
//
// Buffered input counts as read readiness.
func (s *Stream) Wait(flags WaitFlags, timeout time.Duration) (WaitFlags, error) {
	var ready WaitFlags
	if flags&WaitRead != 0 && s.buftype != BufferNone && !s.dirty && s.level > 0 {
		ready = WaitRead
		flags &^= WaitRead
	}

	w, ok := s.t.(Waiter)
	if !ok {
		if ready != 0 {
			return ready, nil
		}
		return 0, ErrNotSupported
	}
	if flags == 0 {
		return ready, nil
	}

	got, err := w.Wait(flags, timeout)
	if err != nil {
		return 0, err
	}
	return got | ready, nil
}

// Repositions the stream.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	sk, ok := s.t.(Seeker)
	if !ok {
		return 0, s.setError(ErrNotSupported, false)
	}
	if s.flags&FlagSeek == 0 {
		return 0, s.setError(ErrAccess, true)
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.position()
	case io.SeekEnd:
		size, err := s.Size()
		if err != nil {
			return 0, err
		}
		offset += size
	default:
		return 0, s.setError(ErrInvalid, true)
	}

	if err := s.flushBuffer(true); err != nil {
		return 0, err
	}
	pos, err := sk.Seek(offset, io.SeekStart)
	if err != nil {
		return 0, s.setError(err, true)
	}
	s.offset = pos
	s.eof = false
	return pos, nil
}

// Logical position: buffered input is not yet consumed, buffered output
// is not yet written.
func (s *Stream) position() int64 {
	if s.dirty {
		return s.offset + int64(s.level)
	}
	return s.offset - int64(s.level)
}

// Returns the transport size.
func (s *Stream) Size() (int64, error) {
	sz, ok := s.t.(Sizer)
	if !ok {
		return 0, s.setError(ErrNotSupported, false)
	}
	n, err := sz.Size()
	if err != nil {
		return 0, s.setError(err, true)
	}
	return n, nil
}

// Truncates the transport.
func (s *Stream) Truncate(size int64) error {
	tr, ok := s.t.(Truncater)
	if !ok {
		return ErrNotSupported
	}
	return tr.Truncate(size)
}

// Shuts down one direction of the transport.
func (s *Stream) Shutdown(how ShutdownHow) error {
	sh, ok := s.t.(Shutdowner)
	if !ok {
		return ErrNotSupported
	}
	if how == ShutWrite {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return sh.Shutdown(how)
}

// Skips count bytes of input by reading them. Returns the new offset.
func (s *Stream) Skip(count int64) (int64, error) {
	if s.flags&FlagRead == 0 {
		return 0, s.setError(ErrAccess, true)
	}

	var scratch [512]byte
	for count > 0 {
		n := int64(len(scratch))
		if n > count {
			n = count
		}
		got, err := s.Read(scratch[:n])
		count -= int64(got)
		if err == io.EOF {
			return s.position(), io.ErrUnexpectedEOF
		}
		if err != nil {
			return s.position(), err
		}
	}
	return s.position(), nil
}
