// Package store persists orders, their append-only audit trail, and the
// driver directory consumed at pipeline completion.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by the order store.
var (
	// ErrConflict indicates an insert collided with an existing order id
	ErrConflict = errors.New("order already exists")

	// ErrNotFound indicates the order id is unknown
	ErrNotFound = errors.New("order not found")

	// ErrNoDriver indicates the driver directory has no candidates
	ErrNoDriver = errors.New("no driver found")
)

// Status is an order's position in the pipeline state machine.
type Status string

const (
	StatusNew            Status = "NEW"
	StatusQueued         Status = "QUEUED"
	StatusProcessing     Status = "PROCESSING"
	StatusCMSCalling     Status = "CMS_CALLING"
	StatusCMSOK          Status = "CMS_OK"
	StatusCMSError       Status = "CMS_ERROR"
	StatusROSCalling     Status = "ROS_CALLING"
	StatusROSOK          Status = "ROS_OK"
	StatusROSError       Status = "ROS_ERROR"
	StatusWMSCalling     Status = "WMS_CALLING"
	StatusWMSOK          Status = "WMS_OK"
	StatusWMSError       Status = "WMS_ERROR"
	StatusReadyForDriver Status = "READY_FOR_DRIVER"
	StatusFailed         Status = "FAILED"
	StatusDLQ            Status = "DLQ"
	StatusDelivered      Status = "DELIVERED"
)

// Done reports whether the pipeline performs no further transitions for
// this status. DELIVERED and FAILED are produced by the driver flows;
// the pipeline only ever reaches READY_FOR_DRIVER or DLQ itself.
func (s Status) Done() bool {
	switch s {
	case StatusReadyForDriver, StatusDLQ, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Audit event types appended to the order event log.
const (
	EventCreated            = "CREATED"
	EventOutboxEnqueued     = "OUTBOX_ENQUEUED"
	EventQueued             = "QUEUED"
	EventProcessing         = "PROCESSING"
	EventCMSCalling         = "CMS_CALLING"
	EventCMSOK              = "CMS_OK"
	EventCMSError           = "CMS_ERROR"
	EventROSCalling         = "ROS_CALLING"
	EventRouteSaved         = "ROUTE_SAVED"
	EventROSOK              = "ROS_OK"
	EventROSError           = "ROS_ERROR"
	EventWMSCalling         = "WMS_CALLING"
	EventWMSOK              = "WMS_OK"
	EventWMSError           = "WMS_ERROR"
	EventReadyForDriver     = "READY_FOR_DRIVER"
	EventFailed             = "FAILED"
	EventRetryScheduled     = "RETRY_SCHEDULED"
	EventDeadLettered       = "DEAD_LETTERED"
	EventDuplicateSkip      = "DUPLICATE_SKIP"
	EventSkipAlreadyDone    = "SKIP_ALREADY_DONE"
	EventDriverAssigned     = "DRIVER_ASSIGNED"
	EventDriverAssignFailed = "DRIVER_ASSIGN_FAILED"
)

// Order is the durable record of one client submission.
type Order struct {
	ID       string
	ClientID string

	// Payload is the structured order bag; after the route stage it
	// carries an embedded "route" sub-object.
	Payload json.RawMessage

	Status     Status
	RetryCount int
	LastError  string

	// LastEventID is the most recently applied broker event id, used
	// as the replay-suppression horizon.
	LastEventID int64

	// AssignedDriverID is set exactly once at pipeline completion.
	AssignedDriverID string

	// CreatedAt is the logical creation time in epoch milliseconds.
	CreatedAt int64
	UpdatedAt time.Time
}

// OrderStore is the sole point of write coordination for an order.
// Every mutation is a single-row atomic update.
type OrderStore interface {
	// Create inserts a new order in status NEW.
	// Returns ErrConflict when the id already exists.
	Create(ctx context.Context, o *Order) error

	// Get returns the full order record or ErrNotFound.
	Get(ctx context.Context, id string) (*Order, error)

	// GetStatus returns the current status or ErrNotFound.
	GetStatus(ctx context.Context, id string) (Status, error)

	// UpdateStatus atomically sets the status. A non-empty lastError
	// replaces the stored error text; incRetry bumps retry_count.
	UpdateStatus(ctx context.Context, id string, status Status, lastError string, incRetry bool) error

	// SetRoute merges the route object under payload.route.
	SetRoute(ctx context.Context, id string, route json.RawMessage) error

	// AssignDriverIfAbsent sets assigned_driver_id only when it is
	// still null and returns the now-effective driver id.
	AssignDriverIfAbsent(ctx context.Context, id, driverID string) (string, error)

	// MarkEventProcessed advances last_event_id; it never regresses.
	MarkEventProcessed(ctx context.Context, id string, eventID int64) error

	// IsEventProcessed reports whether eventID is at or below the
	// replay horizon.
	IsEventProcessed(ctx context.Context, id string, eventID int64) (bool, error)
}

// EventLog is the append-only audit trail. Appends are advisory: a
// failure is logged by the implementation and never propagated.
type EventLog interface {
	Append(ctx context.Context, orderID, eventType string, details map[string]interface{})
}

// DriverDirectory selects driver candidates for completed orders.
type DriverDirectory interface {
	// PickDriver returns the first available driver candidate with a
	// deterministic tie-break, or ErrNoDriver.
	PickDriver(ctx context.Context) (string, error)
}
