// Package adapters wraps the three legacy backends behind a uniform
// capability the pipeline worker can drive: execute one idempotent call
// for an order and report the outcome.
package adapters

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// Stage names, also used as metric labels
const (
	StageCMS = "cms"
	StageROS = "ros"
	StageWMS = "wms"
)

// Adapter is one backend stage of the pipeline. Execute must be
// idempotent under replay: a retried order re-runs every stage.
type Adapter interface {
	// Name returns the stage name (cms, ros, wms)
	Name() string

	// Execute performs the backend call for an order. The returned
	// document is stage-specific; only the route stage produces one.
	Execute(ctx context.Context, orderID string) (json.RawMessage, error)
}

// newHTTPClient builds the shared client shape for the HTTP backends
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
}
