package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/arpinspect/pkg/dhcpsnoop"
	"github.com/psaab/arpinspect/pkg/inspect"
	"github.com/psaab/arpinspect/pkg/logging"
	"github.com/psaab/arpinspect/pkg/packetio"
	"github.com/psaab/arpinspect/pkg/pipeline"
	"github.com/psaab/arpinspect/pkg/stack"
)

// LeaseLister exposes the DHCP lease table and the snooper's counters.
type LeaseLister interface {
	Leases() []dhcpsnoop.Lease
	Stats() dhcpsnoop.Stats
}

// Config configures the API server. Nil sources are skipped.
type Config struct {
	Addr        string
	MetricsPath string // "/metrics" when empty
	Manager     *inspect.Manager
	Pipeline    *pipeline.Pipeline
	Stack       *stack.Coordinator
	PortIO      *packetio.IO
	Leases      LeaseLister
	EventBuf    *logging.EventBuffer
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	mgr        *inspect.Manager
	pipe       *pipeline.Pipeline
	stack      *stack.Coordinator
	portIO     *packetio.IO
	leases     LeaseLister
	eventBuf   *logging.EventBuffer
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		mgr:       cfg.Manager,
		pipe:      cfg.Pipeline,
		stack:     cfg.Stack,
		portIO:    cfg.PortIO,
		leases:    cfg.Leases,
		eventBuf:  cfg.EventBuf,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	mux.Handle("GET "+path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/bindings", s.bindingsHandler)
	mux.HandleFunc("GET /api/v1/state", s.stateHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)
	mux.HandleFunc("GET /api/v1/dhcp/leases", s.leasesHandler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the request multiplexer.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
