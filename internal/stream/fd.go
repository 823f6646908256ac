package stream

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Transport over a file or network connection.
type fdTransport struct {
	rw io.ReadWriteCloser // Underlying file or connection.
}

// Creates a stream over an open file.
func NewFile(f *os.File, flags Flags) *Stream {
	return New(&fdTransport{rw: f}, flags)
}

// Creates a stream over a network connection.
func NewConn(c net.Conn, flags Flags) *Stream {
	return New(&fdTransport{rw: c}, flags)
}

func (t *fdTransport) Read(p []byte) (int, error) {
	return t.rw.Read(p)
}

func (t *fdTransport) Write(p []byte) (int, error) {
	return t.rw.Write(p)
}

func (t *fdTransport) Close() error {
	return t.rw.Close()
}

func (t *fdTransport) Seek(offset int64, whence int) (int64, error) {
	sk, ok := t.rw.(io.Seeker)
	if !ok {
		return 0, ErrNotSupported
	}
	return sk.Seek(offset, whence)
}

func (t *fdTransport) Size() (int64, error) {
	f, ok := t.rw.(*os.File)
	if !ok {
		return 0, ErrNotSupported
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (t *fdTransport) Truncate(size int64) error {
	f, ok := t.rw.(*os.File)
	if !ok {
		return ErrNotSupported
	}
	return f.Truncate(size)
}

func (t *fdTransport) Shutdown(how ShutdownHow) error {
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	hc, ok := t.rw.(halfCloser)
	if !ok {
		return ErrNotSupported
	}
	if how == ShutRead {
		return hc.CloseRead()
	}
	return hc.CloseWrite()
}

// Polls the descriptor for readiness.
func (t *fdTransport) Wait(flags WaitFlags, timeout time.Duration) (WaitFlags, error) {
	sc, ok := t.rw.(syscall.Conn)
	if !ok {
		return 0, ErrNotSupported
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var events int16
	if flags&WaitRead != 0 {
		events |= unix.POLLIN
	}
	if flags&WaitWrite != 0 {
		events |= unix.POLLOUT
	}
	if flags&WaitExcept != 0 {
		events |= unix.POLLPRI
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	var got WaitFlags
	var perr error
	cerr := raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		for {
			_, perr = unix.Poll(fds, ms)
			if !errors.Is(perr, unix.EINTR) {
				break
			}
		}
		re := fds[0].Revents
		if re&(unix.POLLIN|unix.POLLHUP) != 0 {
			got |= WaitRead
		}
		if re&unix.POLLOUT != 0 {
			got |= WaitWrite
		}
		if re&(unix.POLLPRI|unix.POLLERR) != 0 {
			got |= WaitExcept
		}
	})
	if cerr != nil {
		return 0, cerr
	}
	return got & flags, perr
}

func (t *fdTransport) ErrorString(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno.Error()
	}
	return err.Error()
}
