package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/vfsinit/internal/logger"
)

// Config configures metrics collection and exposition.
type Config struct {
	// Enabled turns on collection and the HTTP endpoint.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the address of the metrics endpoint.
	// Default: :9090
	Listen string `mapstructure:"listen" yaml:"listen"`

	// Path is the URL path metrics are served on.
	// Default: /metrics
	Path string `mapstructure:"path" yaml:"path"`
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":9090"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// Server exposes a registry over HTTP.
type Server struct {
	cfg          Config
	server       *http.Server
	shutdownOnce sync.Once
}

// NewServer creates a metrics server for reg.
func NewServer(cfg Config, reg *prometheus.Registry) *Server {
	cfg.applyDefaults()

	r := chi.NewRouter()
	r.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cfg.Path, http.StatusTemporaryRedirect)
	})

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", logger.KeyAddr, s.cfg.Listen, logger.KeyPath, s.cfg.Path)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("metrics server shutdown: %w", shutdownErr)
			return
		}
		logger.Debug("Metrics server stopped")
	})
	return err
}
