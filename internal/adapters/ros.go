package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ROSAdapter posts to the route optimization service and returns the
// computed route document, which the worker persists verbatim under
// payload.route.
type ROSAdapter struct {
	url    string
	client *http.Client
}

// NewROSAdapter creates a ROS adapter for the given endpoint
func NewROSAdapter(url string, timeout time.Duration) *ROSAdapter {
	return &ROSAdapter{
		url:    url,
		client: newHTTPClient(timeout),
	}
}

// Name implements Adapter
func (a *ROSAdapter) Name() string { return StageROS }

// Execute requests route optimization for the order. Success requires a
// 2xx response carrying a JSON object.
func (a *ROSAdapter) Execute(ctx context.Context, orderID string) (json.RawMessage, error) {
	reqBody, err := json.Marshal(map[string]string{"order_id": orderID})
	if err != nil {
		return nil, fmt.Errorf("ros optimize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ros optimize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ros optimize call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ros optimize call: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ros optimize call: unexpected status %d", resp.StatusCode)
	}

	var route map[string]interface{}
	if err := json.Unmarshal(body, &route); err != nil {
		return nil, fmt.Errorf("ros optimize call: response is not a JSON object: %w", err)
	}
	return body, nil
}
