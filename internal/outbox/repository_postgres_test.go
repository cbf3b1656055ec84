package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository_Enqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO outbox").
		WithArgs(AggregateTypeOrder, "ORD-1", EventTypeOrderCreated, `{"order_id":"ORD-1"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	id, err := repo.Enqueue(context.Background(), tx, AggregateTypeOrder, "ORD-1",
		EventTypeOrderCreated, []byte(`{"order_id":"ORD-1"}`))
	require.NoError(t, err)
	require.Equal(t, int64(7), id)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ClaimBatch_SkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "event_type", "payload", "created_at"}).
		AddRow(int64(1), "order", "ORD-1", "ORDER_CREATED", []byte(`{"order_id":"ORD-1"}`), now).
		AddRow(int64(2), "order", "ORD-2", "ORDER_CREATED", []byte(`{"order_id":"ORD-2"}`), now)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WithArgs(50).WillReturnRows(rows)
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	claimed, err := repo.ClaimBatch(context.Background(), tx, 50)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, int64(1), claimed[0].ID)
	require.Equal(t, "ORD-1", claimed[0].AggregateID)
	require.JSONEq(t, `{"order_id":"ORD-1"}`, string(claimed[0].Payload))
}

func TestPostgresRepository_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM outbox").WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, repo.Delete(context.Background(), tx, 3))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Pending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectQuery("COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	n, err := repo.Pending(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}
