// Package sockmap implements the length-prefixed socket-map framing.
//
// A record is the ASCII decimal payload length, a colon, the payload, and a
// comma:
//
//	12:aliases root,
//
// The framing is exposed as stream transports. A [Reader] turns each record
// into one newline-terminated line, so line-oriented consumers see ordinary
// text, and a [Writer] turns each written line into one record. [NewStream]
// combines both over a connection the same way [stream.NewSocket] does for
// plain lines.
//
// When the caller buffer is too small for a record, the reader reports a
// [stream.ShortBufferError] with the needed size instead of truncating. An
// expandable full-buffered stream grows and retries.
package sockmap
