package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore implements OrderStore, EventLog, and DriverDirectory
// on a shared *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for transactional composition at intake
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Create inserts a new order row in status NEW
func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	return s.create(ctx, s.db, o)
}

// CreateTx inserts a new order row inside an existing transaction, so
// intake can write the order and its outbox row atomically.
func (s *PostgresStore) CreateTx(ctx context.Context, tx *sql.Tx, o *Order) error {
	return s.create(ctx, tx, o)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresStore) create(ctx context.Context, q execQuerier, o *Order) error {
	payload := o.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (id, client_id, payload, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, 0, $5, NOW())
	`, o.ID, o.ClientID, string(payload), string(StatusNew), o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Get returns the full order record
func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, payload, status, retry_count,
		       COALESCE(last_error, ''), COALESCE(last_event_id, 0),
		       COALESCE(assigned_driver_id, ''), created_at, updated_at
		FROM orders WHERE id = $1
	`, id)

	var o Order
	var payload []byte
	var status string
	err := row.Scan(&o.ID, &o.ClientID, &payload, &status, &o.RetryCount,
		&o.LastError, &o.LastEventID, &o.AssignedDriverID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	o.Payload = payload
	o.Status = Status(status)
	return &o, nil
}

// GetStatus returns the current order status
func (s *PostgresStore) GetStatus(ctx context.Context, id string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select status: %w", err)
	}
	return Status(status), nil
}

// UpdateStatus atomically updates the status row. An empty lastError
// keeps the previously stored error text.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, lastError string, incRetry bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    last_error = COALESCE(NULLIF($2, ''), last_error),
		    retry_count = retry_count + CASE WHEN $3 THEN 1 ELSE 0 END,
		    updated_at = NOW()
		WHERE id = $4
	`, string(status), lastError, incRetry, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res)
}

// SetRoute merges the route object under payload.route
func (s *PostgresStore) SetRoute(ctx context.Context, id string, route json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payload = jsonb_set(COALESCE(payload, '{}'::jsonb), '{route}', $1::jsonb, true),
		    updated_at = NOW()
		WHERE id = $2
	`, string(route), id)
	if err != nil {
		return fmt.Errorf("set route: %w", err)
	}
	return requireRow(res)
}

// AssignDriverIfAbsent performs the write-once driver CAS
func (s *PostgresStore) AssignDriverIfAbsent(ctx context.Context, id, driverID string) (string, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET assigned_driver_id = $1, updated_at = NOW()
		WHERE id = $2 AND assigned_driver_id IS NULL
	`, driverID, id)
	if err != nil {
		return "", fmt.Errorf("assign driver: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("assign driver rows: %w", err)
	}
	if affected == 1 {
		return driverID, nil
	}

	// CAS lost or order missing: report the effective assignee
	var existing sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT assigned_driver_id FROM orders WHERE id = $1`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read assigned driver: %w", err)
	}
	return existing.String, nil
}

// MarkEventProcessed advances the replay horizon; stale ids are ignored
func (s *PostgresStore) MarkEventProcessed(ctx context.Context, id string, eventID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET last_event_id = $1, updated_at = NOW()
		WHERE id = $2 AND (last_event_id IS NULL OR last_event_id < $1)
	`, eventID, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// IsEventProcessed tests the replay horizon
func (s *PostgresStore) IsEventProcessed(ctx context.Context, id string, eventID int64) (bool, error) {
	var processed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_event_id, 0) >= $1 FROM orders WHERE id = $2
	`, eventID, id).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check event processed: %w", err)
	}
	return processed, nil
}

// Append writes an audit entry. Audit is advisory: failures are logged
// and swallowed so they never abort the caller.
func (s *PostgresStore) Append(ctx context.Context, orderID, eventType string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		slog.Warn("Event details not serializable", "order", orderID, "event", eventType, "error", err)
		detailsJSON = []byte(`{}`)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_events (order_id, event_type, details)
		VALUES ($1, $2, $3::jsonb)
	`, orderID, eventType, string(detailsJSON))
	if err != nil {
		slog.Warn("Event append failed", "order", orderID, "event", eventType, "error", err)
	}
}

// PickDriver returns the first driver ordered by email. The ordering is
// the deterministic tie-break; round-robin is deliberately not attempted.
func (s *PostgresStore) PickDriver(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE role = 'driver' ORDER BY email LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoDriver
	}
	if err != nil {
		return "", fmt.Errorf("pick driver: %w", err)
	}
	return id, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
