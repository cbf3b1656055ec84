// Package notifier pushes status transitions and driver assignments to
// the intake facade. Every push is best effort: failures are logged,
// counted, and swallowed.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/parcelmesh/orderflow/internal/common/metrics"
	"github.com/parcelmesh/orderflow/internal/config"
	"github.com/parcelmesh/orderflow/internal/store"
)

// DriverNotification is the payload pushed to a driver's notify endpoint
// when an order becomes ready for dispatch.
type DriverNotification struct {
	Type    string                 `json:"type"`
	OrderID string                 `json:"order_id"`
	Payload map[string]interface{} `json:"payload"`
}

// Notifier posts to the facade's internal endpoints.
type Notifier struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a notifier for the facade described by cfg.
func New(cfg config.FacadeConfig) *Notifier {
	n := &Notifier{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.PushTimeout},
	}

	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "facade-push",
		Interval: 60 * time.Second,
		Timeout:  10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Facade push circuit breaker state changed",
				"from", from.String(), "to", to.String())
			switch to {
			case gobreaker.StateClosed:
				metrics.NotifierCircuitBreakerState.Set(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				metrics.NotifierCircuitBreakerState.Set(metrics.CircuitBreakerOpen)
			case gobreaker.StateHalfOpen:
				metrics.NotifierCircuitBreakerState.Set(metrics.CircuitBreakerHalfOpen)
			}
		},
	})

	return n
}

// PushStatus posts {status} to the facade's per-order status endpoint
// for WebSocket fan-out. Never returns an error.
func (n *Notifier) PushStatus(ctx context.Context, orderID string, status store.Status) {
	url := fmt.Sprintf("%s/internal/orders/%s/status", n.baseURL, orderID)
	body := map[string]string{"status": string(status)}

	if err := n.post(ctx, url, body); err != nil {
		kind := "error"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			kind = "open"
		}
		metrics.NotifierPushes.WithLabelValues("status", kind).Inc()
		slog.Warn("Status push failed",
			"order", orderID,
			"status", status,
			"error", err)
		return
	}
	metrics.NotifierPushes.WithLabelValues("status", "ok").Inc()
}

// NotifyDriver posts a NEW_ASSIGNMENT notification to the driver's
// notify endpoint. Never returns an error.
func (n *Notifier) NotifyDriver(ctx context.Context, driverID, orderID string) {
	url := fmt.Sprintf("%s/internal/driver/%s/notify", n.baseURL, driverID)
	body := DriverNotification{
		Type:    "NEW_ASSIGNMENT",
		OrderID: orderID,
		Payload: map[string]interface{}{"status": string(store.StatusReadyForDriver)},
	}

	if err := n.post(ctx, url, body); err != nil {
		kind := "error"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			kind = "open"
		}
		metrics.NotifierPushes.WithLabelValues("driver", kind).Inc()
		slog.Warn("Driver notify failed",
			"driver", driverID,
			"order", orderID,
			"error", err)
		return
	}
	metrics.NotifierPushes.WithLabelValues("driver", "ok").Inc()
}

func (n *Notifier) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push body: %w", err)
	}

	_, err = n.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("facade returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
