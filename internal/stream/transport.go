package stream

import "time"

// Backing byte channel of a [Stream].
//
// Read follows io.Reader except that (0, nil) is also taken as end of input.
// Transports that cannot read or write return [ErrNotSupported].
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Implemented by transports that need explicit opening.
type Opener interface {
	Open() error
}

// Implemented by transports with their own output buffering.
type Flusher interface {
	Flush() error
}

// Implemented by seekable transports.
type Seeker interface {
	Seek(offset int64, whence int) (int64, error)
}

// Implemented by transports with a known size.
type Sizer interface {
	Size() (int64, error)
}

// Implemented by transports that accept side-channel control codes.
type Controller interface {
	Ctl(code Ctl, arg any) (any, error)
}

// Implemented by transports that can wait for readiness.
type Waiter interface {
	Wait(flags WaitFlags, timeout time.Duration) (WaitFlags, error)
}

// Implemented by truncatable transports.
type Truncater interface {
	Truncate(size int64) error
}

// Implemented by transports that support half-close.
type Shutdowner interface {
	Shutdown(how ShutdownHow) error
}

// Implemented by transports that render their own error messages.
type ErrorStringer interface {
	ErrorString(err error) string
}

// Implemented by transports that can scan for a delimiter themselves.
type DelimReader interface {
	ReadDelim(p []byte, delim byte) (int, error)
}

// Side-channel control code passed to [Stream.Ctl].
type Ctl int

const (
	CtlGetTransport     Ctl = iota + 1 // Returns the nested transports as [2]*Stream.
	CtlSetTransport                    // Replaces the nested transports; arg is [2]*Stream.
	CtlSetDebugCategory                // Sets the debug category (string) used for diagnostics.
	CtlSetDebugPrefix                  // Sets diagnostic prefixes; arg is [2]string (input, output).
	CtlSetArgs                         // Sets transport-specific arguments; arg is []string.
)

// Readiness conditions for [Stream.Wait].
type WaitFlags int

const (
	WaitRead WaitFlags = 1 << iota
	WaitWrite
	WaitExcept
)

// Direction argument of [Stream.Shutdown].
type ShutdownHow int

const (
	ShutRead ShutdownHow = iota
	ShutWrite
)
