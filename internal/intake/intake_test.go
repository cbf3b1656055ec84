package intake

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parcelmesh/orderflow/internal/outbox"
	"github.com/parcelmesh/orderflow/internal/store"
)

type recordedEvent struct {
	orderID   string
	eventType string
}

type memEvents struct {
	events []recordedEvent
}

func (m *memEvents) Append(ctx context.Context, orderID, eventType string, details map[string]interface{}) {
	m.events = append(m.events, recordedEvent{orderID, eventType})
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *memEvents) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	events := &memEvents{}
	svc := New(db, store.NewPostgresStore(db), outbox.NewPostgresRepository(db), events)
	return svc, mock, events
}

func expectIntakeTx(mock sqlmock.Sqlmock, outboxID int64) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO outbox").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(outboxID))
	mock.ExpectCommit()
}

func TestCreateOrder_WritesOrderAndOutboxAtomically(t *testing.T) {
	svc, mock, events := newTestService(t)
	expectIntakeTx(mock, 42)

	o, err := svc.CreateOrder(context.Background(), "client-1", json.RawMessage(`{"items":3}`))
	if err != nil {
		t.Fatalf("CreateOrder() error: %v", err)
	}

	if !strings.HasPrefix(o.ID, "ORD-") {
		t.Errorf("order id = %q, want ORD- prefix", o.ID)
	}
	if o.Status != store.StatusNew {
		t.Errorf("status = %s, want NEW", o.Status)
	}
	if o.CreatedAt == 0 {
		t.Error("created_at not set")
	}

	if len(events.events) != 2 ||
		events.events[0].eventType != store.EventCreated ||
		events.events[1].eventType != store.EventOutboxEnqueued {
		t.Errorf("audit trail = %v", events.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateOrder_RollsBackOnOutboxFailure(t *testing.T) {
	svc, mock, events := newTestService(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO outbox").
		WillReturnError(&pgconn.PgError{Code: "53300", Message: "too many connections"})
	mock.ExpectRollback()

	_, err := svc.CreateOrder(context.Background(), "client-1", nil)
	if err == nil {
		t.Fatal("CreateOrder() should fail when the outbox insert fails")
	}
	if len(events.events) != 0 {
		t.Error("no audit events must be written for a rolled-back order")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateOrder_RequiresClientID(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.CreateOrder(context.Background(), "", nil); err == nil {
		t.Fatal("CreateOrder() should reject an empty client id")
	}
}

func TestCreateOrder_RejectsInvalidPayload(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.CreateOrder(context.Background(), "client-1", json.RawMessage(`{"broken`)); err == nil {
		t.Fatal("CreateOrder() should reject malformed payload json")
	}
}

func TestHandleCreate_ReturnsCreatedOrder(t *testing.T) {
	svc, mock, _ := newTestService(t)
	expectIntakeTx(mock, 7)

	body := bytes.NewBufferString(`{"client_id":"client-1","payload":{"items":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/orders", body)
	rec := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body)
	}
	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.ID, "ORD-") || resp.Status != "NEW" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleCreate_BadBody(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("nope"))
	rec := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGet_UnknownOrderIs404(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectQuery("SELECT (.+) FROM orders").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/orders/ORD-missing", nil)
	rec := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
