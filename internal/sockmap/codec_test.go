package sockmap

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/cruciblehq/smapd/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEncode(t *testing.T) {
	got := string(Encode([]byte("aliases root")))
	if got != "12:aliases root," {
		t.Fatalf("Encode = %q, want %q", got, "12:aliases root,")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, payload := range []string{"", "m k", strings.Repeat("p", 5000)} {
		var wire bytes.Buffer
		w := stream.New(NewWriter(&wire, Options{}), stream.FlagWrite|stream.FlagExpBuf)
		w.SetBuffer(stream.BufferLine, 16)
		w.Printf("%s\n", payload)
		w.Flush()

		if want := string(Encode([]byte(payload))); wire.String() != want {
			t.Fatalf("wire has %d bytes, want %d", wire.Len(), len(want))
		}

		r := stream.New(NewReader(&wire, Options{}), stream.FlagRead|stream.FlagExpBuf)
		r.SetBuffer(stream.BufferFull, 16)

		var line []byte
		n, err := r.GetLine(&line)
		if err != nil {
			t.Fatalf("GetLine: %v", err)
		}
		if string(line[:n]) != payload+"\n" {
			t.Fatalf("decoded %d bytes, want %d", n, len(payload)+1)
		}
	}
}

func TestReaderMultipleRecordsInOneRead(t *testing.T) {
	src := strings.NewReader("3:abc,4:defg,")
	rd := NewReader(src, Options{})

	buf := make([]byte, 16)
	n, err := rd.Read(buf)
	if err != nil || string(buf[:n]) != "abc\n" {
		t.Fatalf("first record = %q, %v", buf[:n], err)
	}
	n, err = rd.Read(buf)
	if err != nil || string(buf[:n]) != "defg\n" {
		t.Fatalf("second record = %q, %v", buf[:n], err)
	}
	if _, err := rd.Read(buf); err != io.EOF {
		t.Fatalf("after last record = %v, want io.EOF", err)
	}
}

func TestReaderNonDigitLength(t *testing.T) {
	errs := prometheus.NewCounter(prometheus.CounterOpts{Name: "framing_errors_total"})
	rd := NewReader(strings.NewReader("abc:hello,"), Options{Errors: errs})

	_, err := rd.Read(make([]byte, 64))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Read = %v, want ErrProtocol", err)
	}
	if got := testutil.ToFloat64(errs); got != 1 {
		t.Fatalf("error counter = %v, want 1", got)
	}
}

func TestReaderNonDigitLengthDoesNotHang(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := NewStream(server, 0, Options{})
	defer s.Unref()

	go client.Write([]byte("abc:hello,"))

	var line []byte
	if _, err := s.GetLine(&line); !errors.Is(err, ErrProtocol) {
		t.Fatalf("GetLine = %v, want ErrProtocol", err)
	}
}

func TestReaderPrefixTooLong(t *testing.T) {
	rd := NewReader(strings.NewReader(strings.Repeat("1", 40)+":x,"), Options{})
	if _, err := rd.Read(make([]byte, 64)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Read = %v, want ErrProtocol", err)
	}
}

func TestReaderOverflowingLength(t *testing.T) {
	rd := NewReader(strings.NewReader("9223372036854775807:x,"), Options{})
	if _, err := rd.Read(make([]byte, 64)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Read = %v, want ErrProtocol", err)
	}
}

func TestReaderRecordTooLarge(t *testing.T) {
	errs := prometheus.NewCounter(prometheus.CounterOpts{Name: "framing_errors_total"})
	rd := NewReader(strings.NewReader("2000000000:x,"), Options{Errors: errs})

	_, err := rd.Read(make([]byte, 64))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Read = %v, want ErrProtocol", err)
	}
	var sb *stream.ShortBufferError
	if errors.As(err, &sb) {
		t.Fatalf("Read asked for a %d byte buffer", sb.Need)
	}
	if got := testutil.ToFloat64(errs); got != 1 {
		t.Fatalf("error counter = %v, want 1", got)
	}
}

func TestReaderMaxRecord(t *testing.T) {
	rd := NewReader(strings.NewReader("3:abc,4:abcd,"), Options{MaxRecord: 3})
	buf := make([]byte, 64)

	n, err := rd.Read(buf)
	if err != nil || string(buf[:n]) != "abc\n" {
		t.Fatalf("first record = %q, %v", buf[:n], err)
	}
	if _, err := rd.Read(buf); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Read = %v, want ErrProtocol", err)
	}
}

func TestStreamRecordTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := NewStream(server, 0, Options{})
	defer s.Unref()

	go client.Write([]byte("2000000000:x,"))

	var line []byte
	if _, err := s.GetLine(&line); !errors.Is(err, ErrProtocol) {
		t.Fatalf("GetLine = %v, want ErrProtocol", err)
	}
}

func TestReaderMissingComma(t *testing.T) {
	rd := NewReader(strings.NewReader("3:abc;"), Options{})
	if _, err := rd.Read(make([]byte, 64)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Read = %v, want ErrProtocol", err)
	}
}

func TestReaderShortBuffer(t *testing.T) {
	rd := NewReader(strings.NewReader("10:0123456789,"), Options{})

	_, err := rd.Read(make([]byte, 4))
	var sb *stream.ShortBufferError
	if !errors.As(err, &sb) {
		t.Fatalf("Read = %v, want ShortBufferError", err)
	}
	if sb.Need != 11 {
		t.Fatalf("Need = %d, want 11", sb.Need)
	}

	buf := make([]byte, sb.Need)
	n, err := rd.Read(buf)
	if err != nil || string(buf[:n]) != "0123456789\n" {
		t.Fatalf("retry = %q, %v", buf[:n], err)
	}
}

func TestReaderEmptyConnectionIsEOF(t *testing.T) {
	rd := NewReader(strings.NewReader(""), Options{})
	if _, err := rd.Read(make([]byte, 8)); err != io.EOF {
		t.Fatalf("Read = %v, want io.EOF", err)
	}
}

func TestReaderTruncatedRecord(t *testing.T) {
	rd := NewReader(strings.NewReader("10:abc"), Options{})
	if _, err := rd.Read(make([]byte, 64)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Read = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestDecode(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("8:OK value,2:xy;"))
	p, err := Decode(r)
	if err != nil || string(p) != "OK value" {
		t.Fatalf("Decode = %q, %v", p, err)
	}
	if _, err := Decode(r); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Decode = %v, want ErrProtocol", err)
	}
}

func TestDecodeRecordTooLarge(t *testing.T) {
	for _, in := range []string{"2000000000:x,", "9223372036854775807:x,"} {
		if _, err := Decode(bufio.NewReader(strings.NewReader(in))); !errors.Is(err, ErrProtocol) {
			t.Fatalf("Decode(%q) = %v, want ErrProtocol", in, err)
		}
	}
}

func TestStreamOverConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := NewStream(server, 0, Options{})

	go client.Write(Encode([]byte("aliases root")))

	var line []byte
	n, err := s.GetLine(&line)
	if err != nil {
		t.Fatalf("GetLine: %v", err)
	}
	if string(line[:n]) != "aliases root\n" {
		t.Fatalf("GetLine = %q", line[:n])
	}

	done := make(chan []byte)
	go func() {
		p, _ := Decode(bufio.NewReader(client))
		done <- p
	}()
	s.Printf("OK admin\n")
	if got := string(<-done); got != "OK admin" {
		t.Fatalf("client decoded %q, want %q", got, "OK admin")
	}

	s.Unref()
}
