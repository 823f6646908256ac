package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

var (
	ErrNotSupported = errors.New("operation not supported by transport")
	ErrAccess       = errors.New("stream not open for this operation")
	ErrNoMem        = errors.New("buffer size limit exceeded")
	ErrOverflow     = errors.New("value too large for buffer")
	ErrInvalid      = errors.New("invalid argument")
	ErrShortWrite   = errors.New("transport accepted no data")
)

// Reported by a transport whose next record does not fit the caller buffer.
//
// Need is the size the caller must provide. A full-buffered stream with
// [FlagExpBuf] set grows its buffer to Need and retries the read.
type ShortBufferError struct {
	Need int // Buffer size required for the pending record.
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("buffer too small: %d bytes needed", e.Need)
}

// Matches [io.ErrShortBuffer].
func (e *ShortBufferError) Is(target error) bool {
	return target == io.ErrShortBuffer
}

// Whether err is a retryable condition that must not become sticky.
func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINPROGRESS) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
