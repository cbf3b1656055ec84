package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresRepository implements Repository for PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so multiple publishers partition the table by
// row without coordination.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL outbox repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Enqueue inserts a pending row inside the caller's transaction
func (r *PostgresRepository) Enqueue(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID, eventType string, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING id
	`, aggregateType, aggregateID, eventType, string(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox row: %w", err)
	}
	return id, nil
}

// ClaimBatch locks up to limit pending rows in ascending id order
func (r *PostgresRepository) ClaimBatch(ctx context.Context, tx *sql.Tx, limit int) ([]*Row, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var claimed []*Row
	for rows.Next() {
		var row Row
		var payload []byte
		if err := rows.Scan(&row.ID, &row.AggregateType, &row.AggregateID,
			&row.EventType, &payload, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		row.Payload = payload
		claimed = append(claimed, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return claimed, nil
}

// Delete removes a published row within the claiming transaction
func (r *PostgresRepository) Delete(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete outbox row %d: %w", id, err)
	}
	return nil
}

// Pending returns the number of rows waiting to be published
func (r *PostgresRepository) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox rows: %w", err)
	}
	return n, nil
}
