package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// WMSAdapter speaks the warehouse service's line protocol: one command,
// one reply line, one connection per call.
type WMSAdapter struct {
	addr    string
	timeout time.Duration
	dialer  *net.Dialer
}

// NewWMSAdapter creates a WMS adapter for the given host:port address
func NewWMSAdapter(addr string, timeout time.Duration) *WMSAdapter {
	return &WMSAdapter{
		addr:    addr,
		timeout: timeout,
		dialer:  &net.Dialer{Timeout: timeout},
	}
}

// Name implements Adapter
func (a *WMSAdapter) Name() string { return StageWMS }

// Execute sends ADD_PACKAGE and reads one reply line. Only replies
// starting with OK| or ACK| count as success.
func (a *WMSAdapter) Execute(ctx context.Context, orderID string) (json.RawMessage, error) {
	conn, err := a.dialer.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return nil, fmt.Errorf("wms tcp connect: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(a.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("wms tcp deadline: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "ADD_PACKAGE|%s\n", orderID); err != nil {
		return nil, fmt.Errorf("wms tcp send: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return nil, fmt.Errorf("wms tcp read: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, "OK|") && !strings.HasPrefix(reply, "ACK|") {
		return nil, fmt.Errorf("wms tcp rejected: %q", reply)
	}
	return nil, nil
}
