package stream

import (
	"io"
	"net"
	"time"
)

// Transport that reads from one stream and writes to another.
type ioTransport struct {
	in  *Stream // Input side.
	out *Stream // Output side.
}

// Creates an unbuffered stream reading from in and writing to out.
//
// Closing the result closes both nested streams.
func NewIO(in, out *Stream) *Stream {
	return New(&ioTransport{in: in, out: out}, FlagReadWrite)
}

// Creates the standard stream for a query connection.
//
// Input is fully buffered and output line buffered, both expandable, with
// [DefaultBufferSize] bytes each. The input side does not close the shared
// connection.
func NewSocket(c net.Conn) *Stream {
	in := NewConn(c, FlagRead|FlagNoClose|FlagExpBuf)
	in.SetBuffer(BufferFull, DefaultBufferSize)
	out := NewConn(c, FlagWrite|FlagExpBuf)
	out.SetBuffer(BufferLine, DefaultBufferSize)
	return NewIO(in, out)
}

func (t *ioTransport) Read(p []byte) (int, error) {
	n, err := t.in.Read(p)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (t *ioTransport) ReadDelim(p []byte, delim byte) (int, error) {
	return t.in.ReadDelim(p, delim)
}

func (t *ioTransport) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

func (t *ioTransport) Flush() error {
	return t.out.Flush()
}

func (t *ioTransport) Close() error {
	ierr := t.in.Close()
	oerr := t.out.Close()
	if ierr != nil {
		return ierr
	}
	return oerr
}

func (t *ioTransport) Wait(flags WaitFlags, timeout time.Duration) (WaitFlags, error) {
	var got WaitFlags
	if flags&WaitRead != 0 {
		r, err := t.in.Wait(WaitRead, timeout)
		if err != nil {
			return 0, err
		}
		got |= r
	}
	if flags&WaitWrite != 0 {
		w, err := t.out.Wait(WaitWrite, timeout)
		if err != nil {
			return 0, err
		}
		got |= w
	}
	return got, nil
}

func (t *ioTransport) Shutdown(how ShutdownHow) error {
	if how == ShutRead {
		return t.in.Shutdown(how)
	}
	return t.out.Shutdown(how)
}

func (t *ioTransport) ErrorString(err error) string {
	return t.in.ErrorString(err)
}

func (t *ioTransport) Ctl(code Ctl, arg any) (any, error) {
	switch code {
	case CtlGetTransport:
		return [2]*Stream{t.in, t.out}, nil

	case CtlSetTransport:
		pair, ok := arg.([2]*Stream)
		if !ok {
			return nil, ErrInvalid
		}
		if pair[0] != nil {
			t.in = pair[0]
		}
		if pair[1] != nil {
			t.out = pair[1]
		}
		return nil, nil

	case CtlSetDebugCategory:
		t.in.Ctl(code, arg)
		t.out.Ctl(code, arg)
		return nil, nil

	case CtlSetDebugPrefix:
		pfx, ok := arg.([2]string)
		if !ok {
			return nil, ErrInvalid
		}
		t.in.Ctl(code, [2]string{pfx[0], pfx[0]})
		t.out.Ctl(code, [2]string{pfx[1], pfx[1]})
		return nil, nil
	}
	return nil, ErrInvalid
}
