// Package outbox implements the transactional outbox: intent to publish
// is recorded in the same database transaction as the business change,
// and a publisher drains pending rows into the broker.
//
// A row's presence means pending. Rows are deleted only after the broker
// confirms the publish, so a publisher crash re-exposes the row to the
// next claim and delivery stays at-least-once.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// AggregateTypeOrder is the aggregate type written at order intake
const AggregateTypeOrder = "order"

// EventTypeOrderCreated is the event type written at order intake
const EventTypeOrderCreated = "ORDER_CREATED"

// Row is one pending outbox entry. IDs are assigned monotonically by
// the database, which gives the per-aggregate FIFO the publisher relies on.
type Row struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// Repository provides transactional access to the outbox table.
type Repository interface {
	// Enqueue inserts a pending row inside the caller's transaction
	// and returns the assigned id.
	Enqueue(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID, eventType string, payload json.RawMessage) (int64, error)

	// ClaimBatch locks up to limit pending rows in ascending id order
	// with skip-locked semantics, so concurrent publishers never see
	// the same row.
	ClaimBatch(ctx context.Context, tx *sql.Tx, limit int) ([]*Row, error)

	// Delete removes a row after the broker confirmed the publish.
	Delete(ctx context.Context, tx *sql.Tx, id int64) error

	// Pending returns the current number of pending rows.
	Pending(ctx context.Context) (int64, error)
}
