package stream

import (
	"bytes"
	"errors"
	"io"
)

func (s *Stream) advance(n int) {
	s.cur += n
	s.level -= n
}

// Grows the buffer to newsize, or doubles it when newsize is zero.
//
// Fails with [ErrNoMem] once the buffer has reached the growth ceiling, or
// when an explicit newsize is beyond it.
func (s *Stream) grow(newsize int) error {
	if len(s.buf) >= s.maxBuf {
		return ErrNoMem
	}
	if newsize < 0 || newsize > s.maxBuf {
		return ErrNoMem
	}
	if newsize == 0 {
		newsize = 2 * len(s.buf)
	}
	if newsize > s.maxBuf || newsize <= 0 {
		newsize = s.maxBuf
	}
	if newsize <= len(s.buf) {
		return nil
	}

	nb := make([]byte, newsize)
	copy(nb, s.buf)
	s.buf = nb
	return nil
}

// Refills an empty input buffer according to the buffering policy.
func (s *Stream) fill() error {
	var err error
	switch s.buftype {
	case BufferFull:
		err = s.fillFull()
	case BufferLine:
		err = s.fillLine()
	}
	s.cur = 0
	return err
}

func (s *Stream) fillFull() error {
	s.level = 0
	for {
		n, err := s.readUnbuffered(s.buf[s.level:], false)
		var sb *ShortBufferError
		if errors.As(err, &sb) && s.flags&FlagExpBuf != 0 {
			s.ClearErr()
			if gerr := s.grow(sb.Need); gerr != nil {
				return s.setError(gerr, true)
			}
			continue
		}
		s.level += n
		return err
	}
}

func (s *Stream) fillLine() error {
	var c [1]byte
	n := 0
	var err error
	for n < len(s.buf) {
		var rdn int
		rdn, err = s.readUnbuffered(c[:], false)
		if err != nil || rdn == 0 {
			break
		}
		s.buf[n] = c[0]
		n++
		if c[0] == '\n' {
			break
		}
		if n == len(s.buf) && s.flags&FlagExpBuf != 0 {
			if err = s.grow(0); err != nil {
				s.setError(err, true)
				break
			}
		}
	}
	s.level = n
	return err
}

// Whether buffered output must be written before more is added.
func (s *Stream) bufferFull() bool {
	switch s.buftype {
	case BufferLine:
		return s.cur+s.level == len(s.buf) ||
			bytes.IndexByte(s.buf[s.cur:s.cur+s.level], '\n') >= 0
	case BufferFull:
		return s.cur+s.level == len(s.buf)
	}
	return false
}

func (s *Stream) forceFlush() error {
	if _, err := s.writeUnbuffered(s.buf[s.cur : s.cur+s.level]); err != nil {
		return err
	}
	s.advance(s.level)
	return nil
}

// Writes buffered output.
//
// With all set everything is written; otherwise a line-buffered stream
// keeps a trailing partial line unless the buffer is full. Unread input is
// discarded when all is set.
func (s *Stream) flushBuffer(all bool) error {
	if s.dirty {
		switch s.buftype {
		case BufferFull:
			if err := s.forceFlush(); err != nil {
				return err
			}

		case BufferLine:
			for {
				i := bytes.IndexByte(s.buf[s.cur:s.cur+s.level], '\n')
				if i < 0 {
					break
				}
				if _, err := s.writeUnbuffered(s.buf[s.cur : s.cur+i+1]); err != nil {
					return err
				}
				s.advance(i + 1)
			}
			if s.level > 0 {
				if all {
					if err := s.forceFlush(); err != nil {
						return err
					}
				} else if s.cur+s.level == len(s.buf) {
					if s.flags&FlagExpBuf != 0 {
						if err := s.grow(0); err != nil {
							return s.setError(err, true)
						}
					} else if err := s.forceFlush(); err != nil {
						return err
					}
				}
			}
		}
	} else if all {
		s.advance(s.level)
	}

	if s.level > 0 {
		if s.cur > 0 {
			copy(s.buf, s.buf[s.cur:s.cur+s.level])
		}
	} else {
		s.dirty = false
		s.level = 0
	}
	s.cur = 0
	return nil
}

// Copies buffered input into p up to and including delim.
func (s *Stream) scanDelim(p []byte, delim byte) (int, error) {
	nread := 0
	for len(p) > 0 {
		if s.level == 0 {
			if err := s.fill(); err != nil {
				return nread, err
			}
			if s.level == 0 {
				break
			}
		}

		chunk := s.buf[s.cur : s.cur+s.level]
		i := bytes.IndexByte(chunk, delim)
		n := len(chunk)
		if i >= 0 {
			n = i + 1
		}
		n = copy(p, chunk[:n])
		s.advance(n)
		p = p[n:]
		nread += n
		if i >= 0 && n == i+1 {
			break
		}
	}
	return nread, nil
}

// Reads bytes one at a time until delim, used on unbuffered streams.
func (s *Stream) readDelimSlow(p []byte, delim byte) (int, error) {
	var c [1]byte
	n := 0
	for n < len(p) {
		rdn, err := s.readUnbuffered(c[:], false)
		if err != nil {
			return n, err
		}
		if rdn == 0 {
			break
		}
		p[n] = c[0]
		n++
		if c[0] == delim {
			break
		}
	}
	return n, nil
}

func (s *Stream) readDelimRaw(p []byte, delim byte) (int, error) {
	if dr, ok := s.t.(DelimReader); ok {
		if s.eof {
			return 0, nil
		}
		n, err := dr.ReadDelim(p, delim)
		if err == io.EOF {
			s.eof = true
			err = nil
		}
		return n, err
	}
	if s.dirty {
		if err := s.flushBuffer(true); err != nil {
			return 0, err
		}
	}
	if s.buftype != BufferNone {
		return s.scanDelim(p, delim)
	}
	return s.readDelimSlow(p, delim)
}

// Reads into p up to and including delim, or until p is full.
//
// An empty p is [ErrOverflow]. At end of input with nothing read the
// method returns (0, io.EOF).
func (s *Stream) ReadDelim(p []byte, delim byte) (int, error) {
	if len(p) == 0 {
		return 0, ErrOverflow
	}
	n, err := s.readDelimRaw(p, delim)
	if err == nil && n == 0 && s.eof {
		return 0, io.EOF
	}
	return n, err
}

// Reads a line into p. See [Stream.ReadDelim].
func (s *Stream) ReadLine(p []byte) (int, error) {
	return s.ReadDelim(p, '\n')
}

// Reads up to and including delim into a caller-owned buffer, growing it
// as needed.
//
// The buffer grows geometrically (to 2n+1 bytes) and never beyond the
// stream's growth ceiling; reaching it is [ErrOverflow]. On return *buf
// holds exactly the bytes read. At end of input with nothing read the
// method returns (0, io.EOF).
func (s *Stream) GetDelim(buf *[]byte, delim byte) (int, error) {
	line := (*buf)[:cap(*buf)]
	if len(line) == 0 {
		line = make([]byte, getdelimInitial)
	}

	cur := 0
	var err error
	for {
		if cur == len(line) {
			needed := 2*len(line) + 1
			if needed > s.maxBuf {
				needed = s.maxBuf
			}
			if cur >= needed {
				err = ErrOverflow
				break
			}
			nl := make([]byte, needed)
			copy(nl, line[:cur])
			line = nl
		}

		var rdn int
		rdn, err = s.readDelimRaw(line[cur:], delim)
		if err != nil || rdn == 0 {
			break
		}
		cur += rdn
		if line[cur-1] == delim {
			break
		}
	}

	*buf = line[:cur]
	if err == nil && cur == 0 && s.eof {
		return 0, io.EOF
	}
	return cur, err
}

// Reads a line into a caller-owned buffer. See [Stream.GetDelim].
func (s *Stream) GetLine(buf *[]byte) (int, error) {
	return s.GetDelim(buf, '\n')
}
