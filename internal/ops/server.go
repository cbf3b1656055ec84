// Package ops serves the operational HTTP surface: health probes,
// Prometheus metrics, and optionally the intake API.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parcelmesh/orderflow/internal/common/health"
)

// Mount attaches an extra handler subtree to the ops router.
type Mount struct {
	Pattern string
	Handler http.Handler
}

// Server is the ops HTTP server, run under the supervisor.
type Server struct {
	router chi.Router
	srv    *http.Server
}

// NewServer builds the ops server on the given port.
func NewServer(port int, checker *health.Checker, mounts ...Mount) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	for _, m := range mounts {
		r.Mount(m.Pattern, m.Handler)
	}

	return &Server{
		router: r,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Name implements lifecycle.Service
func (s *Server) Name() string { return "ops-server" }

// Health implements lifecycle.Service
func (s *Server) Health() error { return nil }

// Start implements lifecycle.Service
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop implements lifecycle.Service
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
