// Package broker wraps the RabbitMQ connection, the queue topology, and
// the publish/consume primitives used by the outbox publisher and the
// pipeline worker.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parcelmesh/orderflow/internal/common/metrics"
)

// Queue names on the default exchange. All three are durable.
const (
	// QueueMain is the main work queue
	QueueMain = "order.created"

	// QueueRetry holds delayed retries; expired messages are
	// dead-lettered back to QueueMain
	QueueRetry = "order.created.retry"

	// QueueDLQ is the terminal parking lot
	QueueDLQ = "order.created.dlq"
)

// Message header keys of the retry envelope
const (
	HeaderRetries   = "x-retries"
	HeaderTTLMS     = "x-ttl-ms"
	HeaderDLQReason = "x-dlq-reason"
)

const (
	heartbeat        = 30 * time.Second
	maxReasonLen     = 200
	reconnectBase    = time.Second
	reconnectCeiling = 30 * time.Second
)

// Envelope is the wire body of every queue message. EventID equals the
// originating outbox row id and is the idempotency key across replays.
type Envelope struct {
	OrderID       string          `json:"order_id"`
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	Payload       json.RawMessage `json:"payload"`
}

// Client owns one connection and one channel. A channel belongs to
// exactly one goroutine; publisher and each worker hold their own Client.
type Client struct {
	url       string
	component string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewClient creates an unconnected broker client. The component name is
// used for logging and reconnect metrics.
func NewClient(url, component string) *Client {
	return &Client{url: url, component: component}
}

// Connect dials the broker, opens a channel, and declares the topology.
// Declarations are idempotent and re-run after every reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.closeLocked()

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(heartbeat),
	})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare topology: %w", err)
	}

	c.conn = conn
	c.ch = ch
	return nil
}

// ConnectWithBackoff retries Connect with bounded exponential backoff
// until it succeeds or ctx is cancelled. It never gives up on its own.
func (c *Client) ConnectWithBackoff(ctx context.Context) error {
	delay := reconnectBase
	for {
		err := c.Connect(ctx)
		if err == nil {
			slog.Info("Broker connected", "component", c.component)
			return nil
		}

		metrics.BrokerReconnects.WithLabelValues(c.component).Inc()
		slog.Warn("Broker connect failed, retrying",
			"component", c.component,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectCeiling {
			delay = reconnectCeiling
		}
	}
}

// Reset drops the current connection so the next Connect starts fresh.
// Called after a publish or consume failure.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Close releases the channel and connection
func (c *Client) Close() {
	c.Reset()
}

func (c *Client) closeLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Alive returns nil while the connection is open. Used by readiness checks.
func (c *Client) Alive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("broker connection closed")
	}
	return nil
}

func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil, fmt.Errorf("broker not connected")
	}
	return c.ch, nil
}

// declareTopology declares the three durable queues. The retry queue has
// no queue-level TTL: each retry message carries its own expiration, so
// every attempt gets its own delay.
func declareTopology(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(QueueMain, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", QueueMain, err)
	}
	if _, err := ch.QueueDeclare(QueueDLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", QueueDLQ, err)
	}
	if _, err := ch.QueueDeclare(QueueRetry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": QueueMain,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", QueueRetry, err)
	}
	return nil
}

// PublishMain publishes an envelope to the main queue with persistent
// delivery and correlation_id equal to the event id.
func (c *Client) PublishMain(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.publish(ctx, QueueMain, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.EventID,
		Body:          body,
	})
}

// PublishRetry republishes a failed delivery to the retry queue with the
// incremented retry header and a per-message expiration for this hop.
func (c *Client) PublishRetry(ctx context.Context, body []byte, correlationID string, retries int, ttl time.Duration) error {
	ttlMS := ttl.Milliseconds()
	return c.publish(ctx, QueueRetry, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		Expiration:    strconv.FormatInt(ttlMS, 10),
		Headers: amqp.Table{
			HeaderRetries: int32(retries),
			HeaderTTLMS:   ttlMS,
		},
		Body: body,
	})
}

// PublishDLQ parks a message on the dead-letter queue with the failure
// reason in the x-dlq-reason header.
func (c *Client) PublishDLQ(ctx context.Context, body []byte, correlationID, reason string) error {
	return c.publish(ctx, QueueDLQ, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		Headers: amqp.Table{
			HeaderDLQReason: TruncateReason(reason),
		},
		Body: body,
	})
}

func (c *Client) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume opens a manual-ack consumer on the main queue with a prefetch
// of one, so each worker has exactly one delivery in flight.
func (c *Client) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, QueueMain, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", QueueMain, err)
	}
	return deliveries, nil
}

// RetryCount reads x-retries from delivery headers, tolerating the
// integer types different AMQP clients put on the wire.
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[HeaderRetries].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// TruncateReason bounds the DLQ reason header
func TruncateReason(reason string) string {
	if len(reason) > maxReasonLen {
		return reason[:maxReasonLen]
	}
	return reason
}
