package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/parcelmesh/orderflow/internal/common/metrics"
	"github.com/parcelmesh/orderflow/internal/store"
)

// DriverNotifier pushes assignment notifications to the intake facade.
type DriverNotifier interface {
	NotifyDriver(ctx context.Context, driverID, orderID string)
}

// Terminator finishes an order after its last backend stage: it marks it
// ready for dispatch, assigns a driver exactly once, and notifies them.
type Terminator struct {
	orders   store.OrderStore
	events   store.EventLog
	drivers  store.DriverDirectory
	notifier DriverNotifier
	pusher   StatusPusher
}

// NewTerminator wires the terminator. notifier and pusher may be nil.
func NewTerminator(orders store.OrderStore, events store.EventLog, drivers store.DriverDirectory, notifier DriverNotifier, pusher StatusPusher) *Terminator {
	return &Terminator{
		orders:   orders,
		events:   events,
		drivers:  drivers,
		notifier: notifier,
		pusher:   pusher,
	}
}

// Complete transitions the order to READY_FOR_DRIVER and runs the
// assignment flow. A missing driver candidate is not an error: the order
// stays ready and the failure is recorded in the audit trail.
func (t *Terminator) Complete(ctx context.Context, orderID string) error {
	if err := t.orders.UpdateStatus(ctx, orderID, store.StatusReadyForDriver, "", false); err != nil {
		return err
	}
	t.events.Append(ctx, orderID, store.EventReadyForDriver, nil)
	if t.pusher != nil {
		t.pusher.PushStatus(ctx, orderID, store.StatusReadyForDriver)
	}

	candidate, err := t.drivers.PickDriver(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoDriver) {
			metrics.DriverAssignments.WithLabelValues("no_driver").Inc()
			t.events.Append(ctx, orderID, store.EventDriverAssignFailed, map[string]interface{}{
				"reason": "no_driver_found",
			})
			slog.Warn("No driver candidate for completed order", "order", orderID)
			return nil
		}
		metrics.DriverAssignments.WithLabelValues("error").Inc()
		return err
	}

	assigned, err := t.orders.AssignDriverIfAbsent(ctx, orderID, candidate)
	if err != nil {
		metrics.DriverAssignments.WithLabelValues("error").Inc()
		return err
	}

	if assigned == candidate {
		metrics.DriverAssignments.WithLabelValues("assigned").Inc()
	} else {
		// A concurrent replay won the CAS; the earlier assignment stands
		metrics.DriverAssignments.WithLabelValues("existing").Inc()
	}
	t.events.Append(ctx, orderID, store.EventDriverAssigned, map[string]interface{}{
		"driver_id": assigned,
	})

	if t.notifier != nil {
		t.notifier.NotifyDriver(ctx, assigned, orderID)
	}
	return nil
}
