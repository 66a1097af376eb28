package metric

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kazuryu0907/new-rl-replay/errors"
)

// Server exposes the metrics endpoint over HTTP.
type Server struct {
	registry *MetricsRegistry
	server   *http.Server
	logger   *slog.Logger
	addr     string
}

// NewServer creates a metrics HTTP server bound to addr.
func NewServer(registry *MetricsRegistry, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "metrics")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		registry: registry,
		logger:   logger,
		addr:     addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start runs the server until it fails or Stop is called. ErrServerClosed
// is reported as a clean exit.
func (s *Server) Start() error {
	s.logger.Info("metrics server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapTransient(
			fmt.Errorf("listen on %s: %w", s.addr, err),
			"MetricsServer", "Start", "http listen")
	}
	return nil
}

// Stop shuts the server down, waiting up to timeout for in-flight scrapes.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "MetricsServer", "Stop", "http shutdown")
	}
	s.logger.Info("metrics server stopped")
	return nil
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.addr
}
