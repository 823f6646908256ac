package stream

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
)

func TestTraceFilter(t *testing.T) {
	sink := NewMemory(nil)
	tr := NewTrace(sink, []string{"OK"})

	tr.Write([]byte("aliases root => OK admin\n"))
	tr.Write([]byte("aliases nobody => NOTFOUND\n"))
	tr.Write([]byte("no marker here\n"))

	got := string(Bytes(sink))
	want := "aliases root => OK admin\nno marker here\n"
	if got != want {
		t.Fatalf("trace = %q, want %q", got, want)
	}
}

func TestTraceSetArgs(t *testing.T) {
	sink := NewMemory(nil)
	tr := NewTrace(sink, nil)

	if _, err := tr.Ctl(CtlSetArgs, []string{"NOTFOUND"}); err != nil {
		t.Fatalf("Ctl: %v", err)
	}
	tr.Write([]byte("m k => OK\n"))
	tr.Write([]byte("m k => NOTFOUND\n"))

	if got := string(Bytes(sink)); got != "m k => NOTFOUND\n" {
		t.Fatalf("trace = %q", got)
	}
}

func TestTraceReplaceTransport(t *testing.T) {
	first := NewMemory(nil)
	second := NewMemory(nil)
	tr := NewTrace(first, nil)

	v, err := tr.Ctl(CtlGetTransport, nil)
	if err != nil {
		t.Fatalf("Ctl get: %v", err)
	}
	if pair := v.([2]*Stream); pair[0] != first {
		t.Fatal("CtlGetTransport did not return the nested stream")
	}

	tr.Ctl(CtlSetTransport, [2]*Stream{second, nil})
	tr.Write([]byte("x\n"))
	if len(Bytes(first)) != 0 || string(Bytes(second)) != "x\n" {
		t.Fatal("write did not go to the replacement transport")
	}
}

func TestTranscript(t *testing.T) {
	var logbuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logbuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	inner := NewMemory([]byte("map key\n"))
	ts := NewTranscript(inner, logger, DefaultTranscriptPrefix)

	var buf []byte
	if _, err := ts.GetLine(&buf); err != nil {
		t.Fatalf("GetLine: %v", err)
	}
	ts.Printf("OK value\n")
	ts.Flush()

	out := logbuf.String()
	if !strings.Contains(out, "C: map key") {
		t.Fatalf("transcript missing input line: %s", out)
	}
	if !strings.Contains(out, "S: OK value") {
		t.Fatalf("transcript missing output line: %s", out)
	}
}

func TestSocketStream(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := NewSocket(server)

	go func() {
		io.WriteString(client, "first key\nsecond key\n")
	}()

	var buf []byte
	for _, want := range []string{"first key\n", "second key\n"} {
		n, err := s.GetLine(&buf)
		if err != nil {
			t.Fatalf("GetLine: %v", err)
		}
		if string(buf[:n]) != want {
			t.Fatalf("GetLine = %q, want %q", buf[:n], want)
		}
	}

	done := make(chan string)
	go func() {
		line := make([]byte, 64)
		n, _ := io.ReadAtLeast(client, line, len("NOTFOUND\n"))
		done <- string(line[:n])
	}()

	s.Printf("NOTFOUND\n")
	if got := <-done; got != "NOTFOUND\n" {
		t.Fatalf("client read %q", got)
	}

	v, err := s.Ctl(CtlGetTransport, nil)
	if err != nil {
		t.Fatalf("Ctl: %v", err)
	}
	pair := v.([2]*Stream)
	if pair[0] == nil || pair[1] == nil {
		t.Fatal("socket stream should expose both nested streams")
	}

	if err := s.Unref(); err != nil {
		t.Fatalf("Unref: %v", err)
	}
	if _, err := client.Write([]byte("x")); err == nil {
		t.Fatal("connection still open after Unref")
	}
}

type fakeSyslog struct {
	info []string
}

func (f *fakeSyslog) Debug(m string) error   { return nil }
func (f *fakeSyslog) Info(m string) error    { f.info = append(f.info, m); return nil }
func (f *fakeSyslog) Notice(m string) error  { return nil }
func (f *fakeSyslog) Warning(m string) error { return nil }
func (f *fakeSyslog) Err(m string) error     { return nil }
func (f *fakeSyslog) Close() error           { return nil }

func TestSyslogSink(t *testing.T) {
	w := &fakeSyslog{}
	s := NewSyslog(w, SyslogInfo)
	s.SetBuffer(BufferLine, 32)

	s.Printf("first line\nsecond ")
	s.Printf("line\n")
	s.Unref()

	if len(w.info) != 2 || w.info[0] != "first line" || w.info[1] != "second line" {
		t.Fatalf("syslog records = %q", w.info)
	}
}
