package stream

import (
	"bytes"
	"log/slog"
)

// Default transcript prefixes for client input and server output.
var DefaultTranscriptPrefix = [2]string{"C: ", "S: "}

// Transport logging every line that passes through a nested stream.
type transcriptTransport struct {
	inner   *Stream      // Wrapped stream.
	log     *slog.Logger // Destination of transcript records.
	prefix  [2]string    // Prefixes for input and output lines.
	pending [2][]byte    // Incomplete lines per direction.
}

// Creates a transcript stream over inner.
//
// Lines read are logged with prefix[0], lines written with prefix[1], at
// debug level.
func NewTranscript(inner *Stream, logger *slog.Logger, prefix [2]string) *Stream {
	t := &transcriptTransport{inner: inner, log: logger, prefix: prefix}
	return New(t, inner.Flags()&FlagReadWrite)
}

func (t *transcriptTransport) record(dir int, p []byte) {
	t.pending[dir] = append(t.pending[dir], p...)
	for {
		i := bytes.IndexByte(t.pending[dir], '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimRight(t.pending[dir][:i], "\r")
		t.log.Debug(t.prefix[dir] + string(line))
		t.pending[dir] = t.pending[dir][i+1:]
	}
}

func (t *transcriptTransport) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	if n > 0 {
		t.record(0, p[:n])
	}
	return n, err
}

func (t *transcriptTransport) ReadDelim(p []byte, delim byte) (int, error) {
	n, err := t.inner.ReadDelim(p, delim)
	if n > 0 {
		t.record(0, p[:n])
	}
	return n, err
}

func (t *transcriptTransport) Write(p []byte) (int, error) {
	n, err := t.inner.Write(p)
	if n > 0 {
		t.record(1, p[:n])
	}
	return n, err
}

func (t *transcriptTransport) Flush() error {
	return t.inner.Flush()
}

func (t *transcriptTransport) Close() error {
	return t.inner.Close()
}

func (t *transcriptTransport) Ctl(code Ctl, arg any) (any, error) {
	switch code {
	case CtlGetTransport:
		return [2]*Stream{t.inner, nil}, nil

	case CtlSetTransport:
		pair, ok := arg.([2]*Stream)
		if !ok || pair[0] == nil {
			return nil, ErrInvalid
		}
		t.inner = pair[0]
		return nil, nil

	case CtlSetDebugPrefix:
		pfx, ok := arg.([2]string)
		if !ok {
			return nil, ErrInvalid
		}
		t.prefix = pfx
		return nil, nil
	}
	return t.inner.Ctl(code, arg)
}
