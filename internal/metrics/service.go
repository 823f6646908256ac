package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (

	// Path of the exposition endpoint.
	Path = "/metrics"

	// Time allowed for in-flight scrapes on shutdown.
	shutdownTimeout = 5 * time.Second

	// Time allowed to read request headers.
	readHeaderTimeout = 10 * time.Second
)

// Serves the registry over HTTP. Implements suture.Service.
type Service struct {
	addr    string       // Listen address, host:port.
	handler http.Handler // Request multiplexer.
	ready   chan net.Addr
}

// Creates a service exposing m on addr.
func NewService(addr string, m *Metrics) *Service {
	mux := http.NewServeMux()
	mux.Handle(Path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Service{addr: addr, handler: mux, ready: make(chan net.Addr, 1)}
}

// Listens and serves until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}

	select {
	case s.ready <- ln.Addr():
	default:
	}

	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: readHeaderTimeout}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	slog.Info("metrics listening", "addr", ln.Addr().String())

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// Returns a channel delivering the bound address once listening.
func (s *Service) Ready() <-chan net.Addr {
	return s.ready
}

func (s *Service) String() string {
	return "metrics(" + s.addr + ")"
}
