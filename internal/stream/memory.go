package stream

import "io"

// Seekable in-memory transport.
type memTransport struct {
	data []byte // Contents.
	pos  int64  // Current position.
}

// Creates a read-write seekable stream over a copy of data.
func NewMemory(data []byte) *Stream {
	t := &memTransport{data: append([]byte(nil), data...)}
	return New(t, FlagReadWrite|FlagSeek)
}

// Returns the contents of a stream created by [NewMemory], after flushing
// pending output. Returns nil for other streams.
func Bytes(s *Stream) []byte {
	t, ok := s.t.(*memTransport)
	if !ok {
		return nil
	}
	s.Flush()
	return t.data
}

func (t *memTransport) Read(p []byte) (int, error) {
	if t.pos >= int64(len(t.data)) {
		return 0, io.EOF
	}
	n := copy(p, t.data[t.pos:])
	t.pos += int64(n)
	return n, nil
}

func (t *memTransport) Write(p []byte) (int, error) {
	end := t.pos + int64(len(p))
	if end > int64(len(t.data)) {
		if end > int64(cap(t.data)) {
			nd := make([]byte, end, 2*end)
			copy(nd, t.data)
			t.data = nd
		} else {
			t.data = t.data[:end]
		}
	}
	copy(t.data[t.pos:], p)
	t.pos = end
	return len(p), nil
}

func (t *memTransport) Close() error {
	return nil
}

func (t *memTransport) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		offset += t.pos
	case io.SeekEnd:
		offset += int64(len(t.data))
	}
	if offset < 0 {
		return 0, ErrInvalid
	}
	t.pos = offset
	return offset, nil
}

func (t *memTransport) Size() (int64, error) {
	return int64(len(t.data)), nil
}

func (t *memTransport) Truncate(size int64) error {
	if size < 0 {
		return ErrInvalid
	}
	if size < int64(len(t.data)) {
		t.data = t.data[:size]
	}
	if t.pos > size {
		t.pos = size
	}
	return nil
}
