package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parcelmesh/orderflow/internal/config"
	"github.com/parcelmesh/orderflow/internal/store"
)

func newTestNotifier(baseURL string) *Notifier {
	return New(config.FacadeConfig{
		BaseURL:     baseURL,
		PushTimeout: 2 * time.Second,
	})
}

func TestPushStatus_PostsToOrderEndpoint(t *testing.T) {
	var gotPath string
	var gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotStatus = body["status"]
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL)
	n.PushStatus(context.Background(), "ORD-1", store.StatusProcessing)

	if gotPath != "/internal/orders/ORD-1/status" {
		t.Errorf("path = %q, want /internal/orders/ORD-1/status", gotPath)
	}
	if gotStatus != "PROCESSING" {
		t.Errorf("status = %q, want PROCESSING", gotStatus)
	}
}

func TestNotifyDriver_PostsAssignment(t *testing.T) {
	var gotPath string
	var got DriverNotification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL)
	n.NotifyDriver(context.Background(), "driver-1", "ORD-1")

	if gotPath != "/internal/driver/driver-1/notify" {
		t.Errorf("path = %q, want /internal/driver/driver-1/notify", gotPath)
	}
	if got.Type != "NEW_ASSIGNMENT" || got.OrderID != "ORD-1" {
		t.Errorf("notification = %+v", got)
	}
	if got.Payload["status"] != "READY_FOR_DRIVER" {
		t.Errorf("payload status = %v, want READY_FOR_DRIVER", got.Payload["status"])
	}
}

func TestPushStatus_SwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL)
	// Must not panic on repeated failures, including after the
	// breaker opens
	for i := 0; i < 10; i++ {
		n.PushStatus(context.Background(), "ORD-1", store.StatusQueued)
	}
}

func TestPushStatus_UnreachableFacade(t *testing.T) {
	n := newTestNotifier("http://127.0.0.1:1")
	n.PushStatus(context.Background(), "ORD-1", store.StatusQueued)
}

func TestBreaker_StopsHittingFacade(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL)
	for i := 0; i < 30; i++ {
		n.PushStatus(context.Background(), "ORD-1", store.StatusQueued)
	}

	// The breaker trips after the failure ratio threshold, so far
	// fewer than 30 requests reach the facade
	if calls.Load() >= 30 {
		t.Errorf("facade received %d calls, breaker never opened", calls.Load())
	}
}
