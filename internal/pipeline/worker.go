// Package pipeline consumes order-created events from the broker and
// drives each order through the CMS, ROS and WMS backends, with
// keyword-classified failures, exponential retry hops and a terminal
// dead-letter queue.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parcelmesh/orderflow/internal/adapters"
	"github.com/parcelmesh/orderflow/internal/broker"
	"github.com/parcelmesh/orderflow/internal/common/metrics"
	"github.com/parcelmesh/orderflow/internal/config"
	"github.com/parcelmesh/orderflow/internal/store"
)

// demoDelay is the inter-stage pause injected when demo delays are on,
// slowing the pipeline enough to watch transitions in a UI.
const demoDelay = 500 * time.Millisecond

// Broker is the queue surface the worker needs.
type Broker interface {
	ConnectWithBackoff(ctx context.Context) error
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
	PublishRetry(ctx context.Context, body []byte, correlationID string, retries int, ttl time.Duration) error
	PublishDLQ(ctx context.Context, body []byte, correlationID, reason string) error
	Reset()
	Alive() error
	Close()
}

// StatusPusher mirrors status transitions to the intake facade.
type StatusPusher interface {
	PushStatus(ctx context.Context, orderID string, status store.Status)
}

// Deduper is the optional wider replay window in front of the store's
// last-event horizon.
type Deduper interface {
	Seen(ctx context.Context, orderID, eventID string) bool
	Mark(ctx context.Context, orderID, eventID string)
}

// stageTransitions maps an adapter name to its status and audit triple.
type stageTransitions struct {
	calling      store.Status
	ok           store.Status
	callingEvent string
	okEvent      string
}

var stages = map[string]stageTransitions{
	adapters.StageCMS: {store.StatusCMSCalling, store.StatusCMSOK, store.EventCMSCalling, store.EventCMSOK},
	adapters.StageROS: {store.StatusROSCalling, store.StatusROSOK, store.EventROSCalling, store.EventROSOK},
	adapters.StageWMS: {store.StatusWMSCalling, store.StatusWMSOK, store.EventWMSCalling, store.EventWMSOK},
}

// Worker is one pipeline consumer. Each worker owns its broker
// connection and processes one delivery at a time.
type Worker struct {
	name       string
	broker     Broker
	orders     store.OrderStore
	events     store.EventLog
	adapters   []adapters.Adapter
	terminator *Terminator
	pusher     StatusPusher
	dedup      Deduper
	retry      config.RetryConfig

	demoDelays     bool
	reconnectDelay time.Duration

	stopped chan struct{}
}

// WorkerOptions carries the collaborators for NewWorker.
type WorkerOptions struct {
	Broker     Broker
	Orders     store.OrderStore
	Events     store.EventLog
	Adapters   []adapters.Adapter
	Terminator *Terminator
	Pusher     StatusPusher
	Dedup      Deduper
	Retry      config.RetryConfig

	DemoDelays     bool
	ReconnectDelay time.Duration
}

// NewWorker creates a pipeline worker. Adapters run in the given order.
func NewWorker(name string, opts WorkerOptions) *Worker {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	return &Worker{
		name:           name,
		broker:         opts.Broker,
		orders:         opts.Orders,
		events:         opts.Events,
		adapters:       opts.Adapters,
		terminator:     opts.Terminator,
		pusher:         opts.Pusher,
		dedup:          opts.Dedup,
		retry:          opts.Retry,
		demoDelays:     opts.DemoDelays,
		reconnectDelay: opts.ReconnectDelay,
		stopped:        make(chan struct{}),
	}
}

// Name implements lifecycle.Service
func (w *Worker) Name() string { return w.name }

// Health implements lifecycle.Service
func (w *Worker) Health() error { return w.broker.Alive() }

// Stop implements lifecycle.Service. The in-flight delivery finishes
// before the consume loop observes cancellation.
func (w *Worker) Stop(ctx context.Context) error {
	select {
	case <-w.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.broker.Close()
	return nil
}

// Start runs the consume loop inside an outer reconnect loop: any broker
// failure drops the connection and rebuilds it after a short delay.
func (w *Worker) Start(ctx context.Context) error {
	defer close(w.stopped)

	for {
		if err := w.broker.ConnectWithBackoff(ctx); err != nil {
			return err
		}

		err := w.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		slog.Warn("Consume loop ended, reconnecting",
			"worker", w.name,
			"delay", w.reconnectDelay,
			"error", err)
		w.broker.Reset()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.reconnectDelay):
		}
	}
}

func (w *Worker) consume(ctx context.Context) error {
	deliveries, err := w.broker.Consume(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			w.handle(ctx, d)
		}
	}
}

// handle processes one delivery end to end. Every path acknowledges the
// delivery; failures are republished explicitly instead of relying on
// broker redelivery.
func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var env broker.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.OrderID == "" || env.EventID == "" {
		w.deadLetter(ctx, d, "malformed")
		metrics.PipelineProcessed.WithLabelValues("malformed").Inc()
		return
	}
	eventID, err := strconv.ParseInt(env.EventID, 10, 64)
	if err != nil {
		w.deadLetter(ctx, d, "malformed")
		metrics.PipelineProcessed.WithLabelValues("malformed").Inc()
		return
	}

	log := slog.With("worker", w.name, "order", env.OrderID, "event", env.EventID)

	if w.dedup != nil && w.dedup.Seen(ctx, env.OrderID, env.EventID) {
		w.skipDuplicate(ctx, d, env, log)
		return
	}

	processed, err := w.orders.IsEventProcessed(ctx, env.OrderID, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The envelope references an order the store never saw.
			// Retrying cannot fix that, so park it with a reason.
			w.deadLetter(ctx, d, "order_not_found")
			metrics.PipelineProcessed.WithLabelValues("dlq").Inc()
			log.Error("Order missing for delivery, dead-lettering")
			return
		}
		w.requeueOnInfraError(d, log, err)
		return
	}
	if processed {
		w.skipDuplicate(ctx, d, env, log)
		return
	}

	status, err := w.orders.GetStatus(ctx, env.OrderID)
	if err != nil {
		w.requeueOnInfraError(d, log, err)
		return
	}
	if status.Done() {
		w.events.Append(ctx, env.OrderID, store.EventSkipAlreadyDone, map[string]interface{}{
			"status": string(status),
		})
		metrics.PipelineProcessed.WithLabelValues("skipped").Inc()
		log.Info("Order already finished, skipping", "status", status)
		w.ack(d, log)
		return
	}

	if err := w.process(ctx, env.OrderID); err != nil {
		w.fail(ctx, d, env, err, log)
		return
	}

	if err := w.orders.MarkEventProcessed(ctx, env.OrderID, eventID); err != nil {
		log.Warn("Advancing replay horizon failed", "error", err)
	}
	if w.dedup != nil {
		w.dedup.Mark(ctx, env.OrderID, env.EventID)
	}
	metrics.PipelineProcessed.WithLabelValues("success").Inc()
	log.Info("Order pipeline completed")
	w.ack(d, log)
}

// process runs the stage sequence for one order. A retried order starts
// over from PROCESSING; the backends are idempotent under replay.
func (w *Worker) process(ctx context.Context, orderID string) error {
	if err := w.setStatus(ctx, orderID, store.StatusProcessing, store.EventProcessing); err != nil {
		return err
	}

	for _, a := range w.adapters {
		tr, ok := stages[a.Name()]
		if !ok {
			return fmt.Errorf("unknown stage %s", a.Name())
		}

		if err := w.setStatus(ctx, orderID, tr.calling, tr.callingEvent); err != nil {
			return err
		}

		started := time.Now()
		doc, err := a.Execute(ctx, orderID)
		metrics.PipelineStageDuration.WithLabelValues(a.Name()).Observe(time.Since(started).Seconds())
		if err != nil {
			return err
		}

		if a.Name() == adapters.StageROS {
			if err := w.orders.SetRoute(ctx, orderID, doc); err != nil {
				return fmt.Errorf("persist route: %w", err)
			}
			w.events.Append(ctx, orderID, store.EventRouteSaved, nil)
		}

		if err := w.setStatus(ctx, orderID, tr.ok, tr.okEvent); err != nil {
			return err
		}

		if w.demoDelays {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(demoDelay):
			}
		}
	}

	return w.terminator.Complete(ctx, orderID)
}

// fail classifies the error, records it, and republishes the envelope to
// the retry queue or the DLQ. The original delivery is acknowledged
// either way.
func (w *Worker) fail(ctx context.Context, d amqp.Delivery, env broker.Envelope, cause error, log *slog.Logger) {
	status, event := ClassifyFailure(cause)
	if err := w.orders.UpdateStatus(ctx, env.OrderID, status, cause.Error(), true); err != nil {
		log.Warn("Recording stage failure failed", "error", err)
	}
	w.events.Append(ctx, env.OrderID, event, map[string]interface{}{
		"error": cause.Error(),
	})
	if w.pusher != nil {
		w.pusher.PushStatus(ctx, env.OrderID, status)
	}

	next := broker.RetryCount(d.Headers) + 1
	if next <= w.retry.MaxRetries {
		ttl := RetryTTL(w.retry, next)
		if err := w.broker.PublishRetry(ctx, d.Body, d.CorrelationId, next, ttl); err != nil {
			log.Error("Retry republish failed, requeueing delivery", "error", err)
			w.nackRequeue(d, log)
			return
		}
		w.events.Append(ctx, env.OrderID, store.EventRetryScheduled, map[string]interface{}{
			"retry":  next,
			"ttl_ms": ttl.Milliseconds(),
			"error":  cause.Error(),
		})
		metrics.PipelineRetriesScheduled.Inc()
		metrics.PipelineProcessed.WithLabelValues("retry").Inc()
		log.Warn("Stage failed, retry scheduled",
			"status", status,
			"retry", next,
			"ttl", ttl,
			"error", cause)
		w.ack(d, log)
		return
	}

	if err := w.broker.PublishDLQ(ctx, d.Body, d.CorrelationId, cause.Error()); err != nil {
		log.Error("DLQ republish failed, requeueing delivery", "error", err)
		w.nackRequeue(d, log)
		return
	}
	if err := w.orders.UpdateStatus(ctx, env.OrderID, store.StatusDLQ, cause.Error(), false); err != nil {
		log.Warn("Recording dead-letter status failed", "error", err)
	}
	w.events.Append(ctx, env.OrderID, store.EventDeadLettered, map[string]interface{}{
		"retries": next - 1,
		"error":   cause.Error(),
	})
	if w.pusher != nil {
		w.pusher.PushStatus(ctx, env.OrderID, store.StatusDLQ)
	}
	metrics.PipelineProcessed.WithLabelValues("dlq").Inc()
	log.Error("Retry budget exhausted, dead-lettered",
		"retries", next-1,
		"error", cause)
	w.ack(d, log)
}

func (w *Worker) setStatus(ctx context.Context, orderID string, status store.Status, event string) error {
	if err := w.orders.UpdateStatus(ctx, orderID, status, "", false); err != nil {
		return err
	}
	w.events.Append(ctx, orderID, event, nil)
	if w.pusher != nil {
		w.pusher.PushStatus(ctx, orderID, status)
	}
	return nil
}

func (w *Worker) skipDuplicate(ctx context.Context, d amqp.Delivery, env broker.Envelope, log *slog.Logger) {
	w.events.Append(ctx, env.OrderID, store.EventDuplicateSkip, map[string]interface{}{
		"event_id": env.EventID,
	})
	metrics.PipelineProcessed.WithLabelValues("duplicate").Inc()
	log.Info("Duplicate delivery suppressed")
	w.ack(d, log)
}

func (w *Worker) deadLetter(ctx context.Context, d amqp.Delivery, reason string) {
	if err := w.broker.PublishDLQ(ctx, d.Body, d.CorrelationId, reason); err != nil {
		slog.Error("DLQ republish failed", "worker", w.name, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// requeueOnInfraError hands the delivery back to the broker when a store
// read failed before any stage ran. Redelivery is safe here: nothing has
// been executed yet.
func (w *Worker) requeueOnInfraError(d amqp.Delivery, log *slog.Logger, err error) {
	log.Warn("Pre-flight store read failed, requeueing", "error", err)
	w.nackRequeue(d, log)
}

func (w *Worker) ack(d amqp.Delivery, log *slog.Logger) {
	if err := d.Ack(false); err != nil {
		log.Warn("Ack failed", "error", err)
	}
}

func (w *Worker) nackRequeue(d amqp.Delivery, log *slog.Logger) {
	if err := d.Nack(false, true); err != nil {
		log.Warn("Nack failed", "error", err)
	}
}
