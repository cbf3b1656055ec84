// Orderflow Outbox Publisher
//
// Standalone publisher binary. Drains pending outbox rows into the main
// queue; safe to run in parallel thanks to skip-locked batch claims.

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/parcelmesh/orderflow/internal/app"
	"github.com/parcelmesh/orderflow/internal/broker"
	"github.com/parcelmesh/orderflow/internal/common/health"
	"github.com/parcelmesh/orderflow/internal/common/lifecycle"
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

	slog.Info("Starting Orderflow outbox publisher",
		"version", version,
		"build_time", buildTime,
		"component", "outbox")

	a, err := app.Bootstrap(context.Background())
	if err != nil {
		slog.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	publisherBroker := broker.NewClient(a.Cfg.RabbitURL, "outbox-publisher")
	publisher := outbox.NewPublisher(a.DB, a.Outbox, publisherBroker, a.Store, a.Store, a.Notifier, a.Cfg.Outbox)
	a.Health.AddReadinessCheck(health.BrokerCheck(publisherBroker.Alive))

	supervisor := lifecycle.NewSupervisor(publisher, ops.NewServer(a.Cfg.HTTP.Port, a.Health))

	if err := lifecycle.RunUntilSignal(supervisor); err != nil {
		slog.Error("Outbox publisher exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Outbox publisher stopped")
}
