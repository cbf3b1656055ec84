// Package lifecycle provides infrastructure for supervising long-running
// components with coordinated startup and shutdown.
//
// Each major component (outbox publisher, pipeline workers, ops server)
// implements the Service interface so it can be started, stopped, and
// health-probed independently.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Service represents a startable/stoppable component.
type Service interface {
	// Name returns the service identifier for logging
	Name() string

	// Start begins the service. It blocks until ctx is cancelled or
	// returns an error if the service fails irrecoverably.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service within the given context.
	Stop(ctx context.Context) error

	// Health returns nil if the service is healthy.
	Health() error
}

// Supervisor manages multiple services with coordinated lifecycle.
// Services are started in order and stopped in reverse order.
type Supervisor struct {
	services []Service
	mu       sync.Mutex
	running  bool

	// StopTimeout bounds each service's Stop call
	StopTimeout time.Duration
}

// NewSupervisor creates a supervisor for the given services.
func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{
		services:    services,
		StopTimeout: 30 * time.Second,
	}
}

// Run starts all services and blocks until ctx is cancelled or a service
// fails at startup. On return all started services have been stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var started []Service
	errCh := make(chan serviceError, len(s.services))

	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		startErr := make(chan error, 1)
		go func(service Service) {
			err := service.Start(runCtx)
			startErr <- err
			if err != nil && runCtx.Err() == nil {
				errCh <- serviceError{name: service.Name(), err: err}
			}
		}(svc)

		// Wait briefly so immediate startup failures abort the run
		select {
		case err := <-startErr:
			if err != nil {
				s.stopServices(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(100 * time.Millisecond):
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutdown requested")
		cancel()
		s.stopServices(started)
		return nil
	case se := <-errCh:
		slog.Error("Service failed", "service", se.name, "error", se.err)
		cancel()
		s.stopServices(started)
		return fmt.Errorf("service %s failed: %w", se.name, se.err)
	}
}

// Health returns the first unhealthy service error, or nil.
func (s *Supervisor) Health() error {
	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("%s: %w", svc.Name(), err)
		}
	}
	return nil
}

func (s *Supervisor) stopServices(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		ctx, cancel := context.WithTimeout(context.Background(), s.StopTimeout)
		if err := svc.Stop(ctx); err != nil {
			slog.Error("Service stop failed", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}

type serviceError struct {
	name string
	err  error
}
