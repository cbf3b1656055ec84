// Package intake implements the transactional order intake contract: the
// order row and its outbox row are written in one database transaction,
// so an accepted order is guaranteed to reach the broker.
package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parcelmesh/orderflow/internal/outbox"
	"github.com/parcelmesh/orderflow/internal/store"
)

// Store is the order persistence surface intake needs.
type Store interface {
	CreateTx(ctx context.Context, tx *sql.Tx, o *store.Order) error
	Get(ctx context.Context, id string) (*store.Order, error)
}

// Service accepts new orders.
type Service struct {
	db     *sql.DB
	orders Store
	repo   outbox.Repository
	events store.EventLog
}

// New wires the intake service on a shared database handle.
func New(db *sql.DB, orders Store, repo outbox.Repository, events store.EventLog) *Service {
	return &Service{db: db, orders: orders, repo: repo, events: events}
}

// CreateOrder persists a new order and its publish intent atomically and
// returns the created record. The assigned id carries the ORD- prefix.
func (s *Service) CreateOrder(ctx context.Context, clientID string, payload json.RawMessage) (*store.Order, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid json")
	}

	o := &store.Order{
		ID:        "ORD-" + uuid.NewString(),
		ClientID:  clientID,
		Payload:   payload,
		Status:    store.StatusNew,
		CreatedAt: time.Now().UnixMilli(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin intake tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.orders.CreateTx(ctx, tx, o); err != nil {
		return nil, err
	}

	outboxID, err := s.repo.Enqueue(ctx, tx,
		outbox.AggregateTypeOrder, o.ID, outbox.EventTypeOrderCreated, payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue outbox row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit intake tx: %w", err)
	}

	s.events.Append(ctx, o.ID, store.EventCreated, map[string]interface{}{
		"client_id": clientID,
	})
	s.events.Append(ctx, o.ID, store.EventOutboxEnqueued, map[string]interface{}{
		"outbox_id": outboxID,
	})

	slog.Info("Order accepted", "order", o.ID, "client", clientID, "outbox_id", outboxID)
	return o, nil
}

// GetOrder returns the current order record.
func (s *Service) GetOrder(ctx context.Context, id string) (*store.Order, error) {
	return s.orders.Get(ctx, id)
}
