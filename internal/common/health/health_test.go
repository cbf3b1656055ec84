package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChecker_AllUp(t *testing.T) {
	c := NewChecker()
	c.AddReadinessCheck(PostgresCheck(func() error { return nil }))
	c.AddReadinessCheck(BrokerCheck(func() error { return nil }))

	resp := c.Readiness()
	if resp.Status != StatusUp {
		t.Errorf("Status = %s, want UP", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("Checks = %d, want 2", len(resp.Checks))
	}
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker()
	c.AddReadinessCheck(PostgresCheck(func() error { return nil }))
	c.AddReadinessCheck(BrokerCheck(func() error { return errors.New("connection closed") }))

	resp := c.Readiness()
	if resp.Status != StatusDown {
		t.Errorf("Status = %s, want DOWN", resp.Status)
	}
}

func TestHandleReady_DownStatusCode(t *testing.T) {
	c := NewChecker()
	c.AddReadinessCheck(BrokerCheck(func() error { return errors.New("not connected") }))

	rec := httptest.NewRecorder()
	c.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/q/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Status != StatusDown {
		t.Errorf("body status = %s, want DOWN", resp.Status)
	}
}

func TestHandleLive_EmptyIsUp(t *testing.T) {
	c := NewChecker()

	rec := httptest.NewRecorder()
	c.HandleLive(rec, httptest.NewRequest(http.MethodGet, "/q/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
