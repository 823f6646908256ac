// Package stream implements buffered byte streams over pluggable transports.
//
// A [Stream] wraps a [Transport] (a file descriptor, a network connection, an
// in-process pipe, a syslog sink, or another stream) and adds a buffering
// policy, sticky error and EOF state, byte counters, and reference counting.
// Three buffering policies are supported: [BufferNone] passes every call
// straight to the transport, [BufferLine] accumulates input until a newline
// and flushes output through the last newline, and [BufferFull] performs
// classic block buffering. When [FlagExpBuf] is set, line and full buffers
// grow geometrically instead of delivering partial data, up to the limit set
// with [Stream.SetMaxBuffer].
//
// Transports implement the minimal [Transport] interface and optionally any
// of the capability interfaces ([Flusher], [Seeker], [Controller], ...). A
// missing capability surfaces as [ErrNotSupported].
//
// Composed streams (trace and transcript wrappers, the socket stream built by
// [NewIO]) expose their nested transport through [Stream.Ctl] with
// [CtlGetTransport] and [CtlSetTransport], so a filter can be attached after
// the socket stream already exists.
//
// Example usage:
//
//	s := stream.NewSocket(conn)
//	defer s.Unref()
//
//	var line []byte
//	n, err := s.GetLine(&line)
//	if err != nil {
//	    return err
//	}
//	s.Printf("OK %s", line[:n])
//	s.Flush()
package stream
