package lifecycle

import (
	"context"
	"os/signal"
	"syscall"
)

// RunUntilSignal runs the supervisor until SIGINT/SIGTERM is received.
func RunUntilSignal(s *Supervisor) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}
