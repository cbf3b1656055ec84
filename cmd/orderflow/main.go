// Orderflow
//
// All-in-one binary: intake API, outbox publisher, pipeline workers, and
// the ops endpoints in a single process. Suited for development and small
// deployments; production can split the roles across the worker and
// outbox binaries.

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/parcelmesh/orderflow/internal/app"
	"github.com/parcelmesh/orderflow/internal/broker"
	"github.com/parcelmesh/orderflow/internal/common/health"
	"github.com/parcelmesh/orderflow/internal/common/lifecycle"
	"github.com/parcelmesh/orderflow/internal/intake"
	"github.com/parcelmesh/orderflow/internal/ops"
	"github.com/parcelmesh/orderflow/internal/outbox"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("ORDERFLOW_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting Orderflow",
		"version", version,
		"build_time", buildTime,
		"component", "all-in-one")

	a, err := app.Bootstrap(context.Background())
	if err != nil {
		slog.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	publisherBroker := broker.NewClient(a.Cfg.RabbitURL, "outbox-publisher")
	publisher := outbox.NewPublisher(a.DB, a.Outbox, publisherBroker, a.Store, a.Store, a.Notifier, a.Cfg.Outbox)
	a.Health.AddReadinessCheck(health.BrokerCheck(publisherBroker.Alive))

	workers := a.BuildWorkers()

	intakeSvc := intake.New(a.DB, a.Store, a.Outbox, a.Store)
	opsServer := ops.NewServer(a.Cfg.HTTP.Port, a.Health,
		ops.Mount{Pattern: "/api", Handler: intakeSvc.Routes()})

	services := []lifecycle.Service{publisher}
	for _, w := range workers {
		services = append(services, w)
	}
	services = append(services, opsServer)

	slog.Info("Orderflow configured",
		"workers", a.Cfg.Worker.Count,
		"httpPort", a.Cfg.HTTP.Port)

	if err := lifecycle.RunUntilSignal(lifecycle.NewSupervisor(services...)); err != nil {
		slog.Error("Orderflow exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Orderflow stopped")
}
