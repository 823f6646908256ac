package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors(t *testing.T) {
	m := New()
	m.Connections.WithLabelValues("main").Inc()
	m.Queries.WithLabelValues("aliases", ResultFound).Add(2)

	if got := testutil.ToFloat64(m.Connections.WithLabelValues("main")); got != 1 {
		t.Fatalf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Queries.WithLabelValues("aliases", ResultFound)); got != 2 {
		t.Fatalf("queries = %v, want 2", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.FramingErrors.Inc()
	if got := testutil.ToFloat64(b.FramingErrors); got != 0 {
		t.Fatalf("second registry framing errors = %v, want 0", got)
	}
}

func TestServiceExposesMetrics(t *testing.T) {
	m := New()
	m.Children.WithLabelValues("main").Set(3)

	svc := NewService("127.0.0.1:0", m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	var addr string
	select {
	case a := <-svc.Ready():
		addr = a.String()
	case err := <-done:
		t.Fatalf("Serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not start")
	}

	resp, err := http.Get("http://" + addr + Path)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), `smapd_children{server="main"} 3`) {
		t.Fatalf("exposition missing children gauge:\n%s", body)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
}
