package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// cmsEnvelope is the minimal SOAP body the order management service
// accepts. The response body is opaque to the pipeline.
const cmsEnvelope = `<?xml version="1.0"?>
<Envelope>
  <Body>
    <CreateOrder>
      <OrderId>%s</OrderId>
    </CreateOrder>
  </Body>
</Envelope>
`

// CMSAdapter posts a SOAP envelope to the legacy order management system.
type CMSAdapter struct {
	url    string
	client *http.Client
}

// NewCMSAdapter creates a CMS adapter for the given endpoint
func NewCMSAdapter(url string, timeout time.Duration) *CMSAdapter {
	return &CMSAdapter{
		url:    url,
		client: newHTTPClient(timeout),
	}
}

// Name implements Adapter
func (a *CMSAdapter) Name() string { return StageCMS }

// Execute posts the CreateOrder envelope. Any non-2xx response or
// transport failure is a stage error.
func (a *CMSAdapter) Execute(ctx context.Context, orderID string) (json.RawMessage, error) {
	body := fmt.Sprintf(cmsEnvelope, orderID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cms soap request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cms soap call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("cms soap call: unexpected status %d", resp.StatusCode)
	}
	return nil, nil
}
