// Orderflow Pipeline Worker
//
// Standalone worker binary for horizontally scaled deployments. Consumes
// order-created events and drives them through the backend stages.

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/parcelmesh/orderflow/internal/app"
	"github.com/parcelmesh/orderflow/internal/common/lifecycle"
	"github.com/parcelmesh/orderflow/internal/ops"
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

	slog.Info("Starting Orderflow worker",
		"version", version,
		"build_time", buildTime,
		"component", "worker")

	a, err := app.Bootstrap(context.Background())
	if err != nil {
		slog.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	workers := a.BuildWorkers()

	var services []lifecycle.Service
	for _, w := range workers {
		services = append(services, w)
	}
	services = append(services, ops.NewServer(a.Cfg.HTTP.Port, a.Health))

	slog.Info("Workers configured", "count", len(workers))

	if err := lifecycle.RunUntilSignal(lifecycle.NewSupervisor(services...)); err != nil {
		slog.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker stopped")
}
