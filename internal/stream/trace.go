package stream

import (
	"bytes"
	"strings"
)

// Marker separating a request from its reply in trace records.
const traceMarker = "=>"

// Filtering transport for query traces.
//
// Records of the form "map key => reply" are passed to the nested stream
// only if the reply starts with one of the patterns. Without patterns every
// record passes.
type traceTransport struct {
	inner    *Stream  // Destination.
	patterns []string // Reply prefixes to keep.
}

// Creates a trace stream writing to inner.
func NewTrace(inner *Stream, patterns []string) *Stream {
	return New(&traceTransport{inner: inner, patterns: patterns}, FlagWrite)
}

func (t *traceTransport) Read(p []byte) (int, error) {
	return 0, ErrNotSupported
}

func (t *traceTransport) Write(p []byte) (int, error) {
	if len(t.patterns) > 0 {
		if reply, ok := findReply(p); ok && !t.match(reply) {
			return len(p), nil
		}
	}
	return t.inner.Write(p)
}

func (t *traceTransport) match(reply []byte) bool {
	for _, pat := range t.patterns {
		if bytes.HasPrefix(reply, []byte(pat)) {
			return true
		}
	}
	return false
}

// Returns the reply part following the trace marker.
func findReply(p []byte) ([]byte, bool) {
	i := bytes.Index(p, []byte(traceMarker))
	if i < 0 {
		return nil, false
	}
	return bytes.TrimLeft(p[i+len(traceMarker):], " \t"), true
}

func (t *traceTransport) Flush() error {
	if t.inner == nil {
		return nil
	}
	return t.inner.Flush()
}

func (t *traceTransport) Close() error {
	return t.inner.Close()
}

func (t *traceTransport) Ctl(code Ctl, arg any) (any, error) {
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

	case CtlSetArgs:
		args, ok := arg.([]string)
		if !ok {
			return nil, ErrInvalid
		}
		t.patterns = nil
		for _, a := range args {
			if a = strings.TrimSpace(a); a != "" {
				t.patterns = append(t.patterns, a)
			}
		}
		return nil, nil
	}
	return nil, ErrInvalid
}
