package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/parcelmesh/orderflow/internal/broker"
	"github.com/parcelmesh/orderflow/internal/common/metrics"
	"github.com/parcelmesh/orderflow/internal/config"
	"github.com/parcelmesh/orderflow/internal/store"
)

// Broker is the slice of the broker client the publisher needs.
type Broker interface {
	ConnectWithBackoff(ctx context.Context) error
	PublishMain(ctx context.Context, env broker.Envelope) error
	Reset()
	Alive() error
}

// StatusPusher mirrors the notifier's best-effort status push.
type StatusPusher interface {
	PushStatus(ctx context.Context, orderID string, status store.Status)
}

// Publisher continuously drains the outbox into the main queue.
//
// Each iteration claims a batch inside a short transaction, publishes
// rows in ascending id order, and deletes a row only after the broker
// accepted it. A publish failure leaves the row in place, commits the
// deletions made so far, and rebuilds the broker connection.
type Publisher struct {
	db     *sql.DB
	repo   Repository
	broker Broker
	orders store.OrderStore
	events store.EventLog
	pusher StatusPusher

	cfg     config.OutboxConfig
	limiter *rate.Limiter

	stopped chan struct{}
}

// NewPublisher creates an outbox publisher. pusher may be nil when no
// facade push is wanted (standalone deployments).
func NewPublisher(db *sql.DB, repo Repository, b Broker, orders store.OrderStore, events store.EventLog, pusher StatusPusher, cfg config.OutboxConfig) *Publisher {
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &Publisher{
		db:      db,
		repo:    repo,
		broker:  b,
		orders:  orders,
		events:  events,
		pusher:  pusher,
		cfg:     cfg,
		limiter: limiter,
		stopped: make(chan struct{}),
	}
}

// Name implements lifecycle.Service
func (p *Publisher) Name() string { return "outbox-publisher" }

// Health implements lifecycle.Service
func (p *Publisher) Health() error { return p.broker.Alive() }

// Stop implements lifecycle.Service; the loop exits when the Start
// context is cancelled, Stop only waits for it.
func (p *Publisher) Stop(ctx context.Context) error {
	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the drain loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	defer close(p.stopped)

	if err := p.broker.ConnectWithBackoff(ctx); err != nil {
		return err
	}
	defer p.broker.Reset()

	slog.Info("Outbox publisher started",
		"batchSize", p.cfg.BatchSize,
		"pollInterval", p.cfg.PollInterval)

	for {
		published, err := p.drainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Outbox drain failed", "error", err)
			// Broker trouble: rebuild the connection before the
			// next iteration. The claimed rows were not deleted
			// and will be re-acquired.
			p.broker.Reset()
			if err := p.broker.ConnectWithBackoff(ctx); err != nil {
				return nil
			}
			continue
		}

		if published == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

// drainOnce claims one batch and publishes it. Returns the number of
// rows published and deleted.
func (p *Publisher) drainOnce(ctx context.Context) (int, error) {
	timer := time.Now()
	defer func() {
		metrics.OutboxBatchDuration.Observe(time.Since(timer).Seconds())
	}()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := p.repo.ClaimBatch(ctx, tx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, tx.Commit()
	}

	published := 0
	var publishErr error
	for _, row := range rows {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				publishErr = err
				break
			}
		}

		env := broker.Envelope{
			OrderID:       row.AggregateID,
			EventID:       strconv.FormatInt(row.ID, 10),
			AggregateType: row.AggregateType,
			Payload:       row.Payload,
		}
		if err := p.broker.PublishMain(ctx, env); err != nil {
			metrics.OutboxPublishFailures.Inc()
			slog.Warn("Outbox publish failed, keeping row",
				"outboxId", row.ID,
				"order", row.AggregateID,
				"error", err)
			publishErr = err
			break
		}

		if err := p.repo.Delete(ctx, tx, row.ID); err != nil {
			// The message is already out; the idempotency gate
			// absorbs the duplicate after the row is re-published.
			publishErr = err
			break
		}

		metrics.OutboxPublished.Inc()
		published++
		p.markQueued(ctx, row.AggregateID)

		slog.Debug("Outbox row published",
			"outboxId", row.ID,
			"order", row.AggregateID)
	}

	// Commit keeps the deletions for confirmed publishes and releases
	// the locks on everything else.
	if err := tx.Commit(); err != nil {
		return published, fmt.Errorf("commit outbox tx: %w", err)
	}
	return published, publishErr
}

// markQueued emits the QUEUED transition. Best effort: the publish
// already succeeded and must not be rolled back by audit trouble.
func (p *Publisher) markQueued(ctx context.Context, orderID string) {
	if err := p.orders.UpdateStatus(ctx, orderID, store.StatusQueued, "", false); err != nil {
		slog.Warn("QUEUED status update failed", "order", orderID, "error", err)
		return
	}
	p.events.Append(ctx, orderID, store.EventQueued, nil)
	if p.pusher != nil {
		p.pusher.PushStatus(ctx, orderID, store.StatusQueued)
	}
}
