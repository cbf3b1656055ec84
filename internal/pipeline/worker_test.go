package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parcelmesh/orderflow/internal/adapters"
	"github.com/parcelmesh/orderflow/internal/broker"
	"github.com/parcelmesh/orderflow/internal/config"
	"github.com/parcelmesh/orderflow/internal/store"
)

// fakeOrders is an in-memory single-order store
type fakeOrders struct {
	missing bool

	status      store.Status
	transitions []store.Status
	lastError   string
	retries     int
	route       json.RawMessage
	lastEventID int64
	driver      string

	updateErr error
}

func (f *fakeOrders) Create(ctx context.Context, o *store.Order) error { return nil }

func (f *fakeOrders) Get(ctx context.Context, id string) (*store.Order, error) {
	if f.missing {
		return nil, store.ErrNotFound
	}
	return &store.Order{ID: id, Status: f.status}, nil
}

func (f *fakeOrders) GetStatus(ctx context.Context, id string) (store.Status, error) {
	if f.missing {
		return "", store.ErrNotFound
	}
	return f.status, nil
}

func (f *fakeOrders) UpdateStatus(ctx context.Context, id string, status store.Status, lastError string, incRetry bool) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.status = status
	f.transitions = append(f.transitions, status)
	if lastError != "" {
		f.lastError = lastError
	}
	if incRetry {
		f.retries++
	}
	return nil
}

func (f *fakeOrders) SetRoute(ctx context.Context, id string, route json.RawMessage) error {
	f.route = route
	return nil
}

func (f *fakeOrders) AssignDriverIfAbsent(ctx context.Context, id, driverID string) (string, error) {
	if f.driver == "" {
		f.driver = driverID
	}
	return f.driver, nil
}

func (f *fakeOrders) MarkEventProcessed(ctx context.Context, id string, eventID int64) error {
	if eventID > f.lastEventID {
		f.lastEventID = eventID
	}
	return nil
}

func (f *fakeOrders) IsEventProcessed(ctx context.Context, id string, eventID int64) (bool, error) {
	if f.missing {
		return false, store.ErrNotFound
	}
	return eventID <= f.lastEventID, nil
}

// fakeEvents records audit event types in order
type fakeEvents struct {
	types   []string
	details []map[string]interface{}
}

func (f *fakeEvents) Append(ctx context.Context, orderID, eventType string, details map[string]interface{}) {
	f.types = append(f.types, eventType)
	f.details = append(f.details, details)
}

func (f *fakeEvents) has(eventType string) bool {
	for _, t := range f.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type fakeDrivers struct {
	id  string
	err error
}

func (f *fakeDrivers) PickDriver(ctx context.Context) (string, error) {
	return f.id, f.err
}

type fakeNotifier struct {
	driverID string
	orderID  string
}

func (f *fakeNotifier) NotifyDriver(ctx context.Context, driverID, orderID string) {
	f.driverID = driverID
	f.orderID = orderID
}

type fakePusher struct {
	pushed []store.Status
}

func (f *fakePusher) PushStatus(ctx context.Context, orderID string, status store.Status) {
	f.pushed = append(f.pushed, status)
}

// fakeBroker records republished envelopes
type fakeBroker struct {
	retryBody    []byte
	retryCount   int
	retryTTL     time.Duration
	dlqBody      []byte
	dlqReason    string
	publishError error
}

func (f *fakeBroker) ConnectWithBackoff(ctx context.Context) error { return nil }
func (f *fakeBroker) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not consuming")
}
func (f *fakeBroker) Reset()       {}
func (f *fakeBroker) Close()       {}
func (f *fakeBroker) Alive() error { return nil }

func (f *fakeBroker) PublishRetry(ctx context.Context, body []byte, correlationID string, retries int, ttl time.Duration) error {
	if f.publishError != nil {
		return f.publishError
	}
	f.retryBody = body
	f.retryCount = retries
	f.retryTTL = ttl
	return nil
}

func (f *fakeBroker) PublishDLQ(ctx context.Context, body []byte, correlationID, reason string) error {
	if f.publishError != nil {
		return f.publishError
	}
	f.dlqBody = body
	f.dlqReason = reason
	return nil
}

type fakeAdapter struct {
	name  string
	doc   json.RawMessage
	err   error
	calls int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Execute(ctx context.Context, orderID string) (json.RawMessage, error) {
	f.calls++
	return f.doc, f.err
}

// fakeAck implements amqp.Acknowledger
type fakeAck struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error { a.acked = true; return nil }
func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}
func (a *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

type workerFixture struct {
	worker   *Worker
	orders   *fakeOrders
	events   *fakeEvents
	broker   *fakeBroker
	pusher   *fakePusher
	notifier *fakeNotifier
	cms      *fakeAdapter
	ros      *fakeAdapter
	wms      *fakeAdapter
}

func newWorkerFixture() *workerFixture {
	f := &workerFixture{
		orders:   &fakeOrders{status: store.StatusQueued},
		events:   &fakeEvents{},
		broker:   &fakeBroker{},
		pusher:   &fakePusher{},
		notifier: &fakeNotifier{},
		cms:      &fakeAdapter{name: adapters.StageCMS},
		ros:      &fakeAdapter{name: adapters.StageROS, doc: json.RawMessage(`{"stops":[]}`)},
		wms:      &fakeAdapter{name: adapters.StageWMS},
	}
	term := NewTerminator(f.orders, f.events, &fakeDrivers{id: "driver-1"}, f.notifier, f.pusher)
	f.worker = NewWorker("worker-0", WorkerOptions{
		Broker:     f.broker,
		Orders:     f.orders,
		Events:     f.events,
		Adapters:   []adapters.Adapter{f.cms, f.ros, f.wms},
		Terminator: term,
		Pusher:     f.pusher,
		Retry: config.RetryConfig{
			MaxRetries: 3,
			BaseTTL:    2 * time.Second,
			MaxTTL:     60 * time.Second,
		},
	})
	return f
}

func delivery(t *testing.T, env broker.Envelope, retries int) (amqp.Delivery, *fakeAck) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	ack := &fakeAck{}
	d := amqp.Delivery{
		Acknowledger:  ack,
		Body:          body,
		CorrelationId: env.EventID,
	}
	if retries > 0 {
		d.Headers = amqp.Table{broker.HeaderRetries: int32(retries)}
	}
	return d, ack
}

func orderEnvelope() broker.Envelope {
	return broker.Envelope{
		OrderID:       "ORD-1",
		EventID:       "7",
		AggregateType: "order",
		Payload:       json.RawMessage(`{"client_id":"c1"}`),
	}
}

func TestHandle_SuccessRunsAllStages(t *testing.T) {
	f := newWorkerFixture()
	d, ack := delivery(t, orderEnvelope(), 0)

	f.worker.handle(context.Background(), d)

	if !ack.acked {
		t.Fatal("delivery was not acknowledged")
	}
	want := []store.Status{
		store.StatusProcessing,
		store.StatusCMSCalling, store.StatusCMSOK,
		store.StatusROSCalling, store.StatusROSOK,
		store.StatusWMSCalling, store.StatusWMSOK,
		store.StatusReadyForDriver,
	}
	if len(f.orders.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", f.orders.transitions, want)
	}
	for i, s := range want {
		if f.orders.transitions[i] != s {
			t.Errorf("transition[%d] = %s, want %s", i, f.orders.transitions[i], s)
		}
	}
	if string(f.orders.route) != `{"stops":[]}` {
		t.Errorf("route = %s, not persisted from the ros stage", f.orders.route)
	}
	if f.orders.lastEventID != 7 {
		t.Errorf("last event id = %d, want 7", f.orders.lastEventID)
	}
	if f.orders.driver != "driver-1" {
		t.Errorf("driver = %q, want driver-1", f.orders.driver)
	}
	if f.notifier.driverID != "driver-1" || f.notifier.orderID != "ORD-1" {
		t.Errorf("driver notification = %+v", f.notifier)
	}
	if !f.events.has(store.EventRouteSaved) || !f.events.has(store.EventDriverAssigned) {
		t.Errorf("audit trail missing route or driver events: %v", f.events.types)
	}
}

func TestHandle_DuplicateEventIsSuppressed(t *testing.T) {
	f := newWorkerFixture()
	f.orders.lastEventID = 7
	d, ack := delivery(t, orderEnvelope(), 0)

	f.worker.handle(context.Background(), d)

	if !ack.acked {
		t.Fatal("duplicate must still be acknowledged")
	}
	if f.cms.calls != 0 {
		t.Error("duplicate must not reach the backends")
	}
	if !f.events.has(store.EventDuplicateSkip) {
		t.Errorf("audit trail = %v, want DUPLICATE_SKIP", f.events.types)
	}
}

func TestHandle_FinishedOrderIsSkipped(t *testing.T) {
	for _, status := range []store.Status{
		store.StatusReadyForDriver, store.StatusDLQ, store.StatusDelivered, store.StatusFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newWorkerFixture()
			f.orders.status = status
			d, ack := delivery(t, orderEnvelope(), 0)

			f.worker.handle(context.Background(), d)

			if !ack.acked {
				t.Fatal("skip must still acknowledge")
			}
			if f.cms.calls != 0 {
				t.Error("finished order must not reach the backends")
			}
			if !f.events.has(store.EventSkipAlreadyDone) {
				t.Errorf("audit trail = %v, want SKIP_ALREADY_DONE", f.events.types)
			}
		})
	}
}

func TestHandle_MalformedBodyGoesToDLQ(t *testing.T) {
	f := newWorkerFixture()
	ack := &fakeAck{}
	d := amqp.Delivery{Acknowledger: ack, Body: []byte("not json")}

	f.worker.handle(context.Background(), d)

	if !ack.acked {
		t.Fatal("malformed delivery must be acknowledged")
	}
	if string(f.broker.dlqBody) != "not json" {
		t.Errorf("dlq body = %q, want the original bytes", f.broker.dlqBody)
	}
	if f.broker.dlqReason == "" {
		t.Error("dlq reason missing")
	}
}

func TestHandle_NonNumericEventIDGoesToDLQ(t *testing.T) {
	f := newWorkerFixture()
	env := orderEnvelope()
	env.EventID = "abc"
	d, ack := delivery(t, env, 0)

	f.worker.handle(context.Background(), d)

	if !ack.acked || f.broker.dlqBody == nil {
		t.Fatal("non-numeric event id must be parked on the dlq")
	}
}

func TestHandle_UnknownOrderGoesToDLQ(t *testing.T) {
	f := newWorkerFixture()
	f.orders.missing = true
	d, ack := delivery(t, orderEnvelope(), 0)

	f.worker.handle(context.Background(), d)

	if !ack.acked {
		t.Fatal("delivery must be acknowledged")
	}
	if f.broker.dlqReason != "order_not_found" {
		t.Errorf("dlq reason = %q, want order_not_found", f.broker.dlqReason)
	}
}

func TestHandle_StageFailureSchedulesRetry(t *testing.T) {
	f := newWorkerFixture()
	f.ros.err = errors.New("ros optimize call: status 502")
	d, ack := delivery(t, orderEnvelope(), 0)

	f.worker.handle(context.Background(), d)

	if !ack.acked {
		t.Fatal("failed delivery must still be acknowledged")
	}
	if f.orders.status != store.StatusROSError {
		t.Errorf("status = %s, want ROS_ERROR", f.orders.status)
	}
	if f.orders.retries != 1 {
		t.Errorf("retry count = %d, want 1", f.orders.retries)
	}
	if f.broker.retryCount != 1 {
		t.Errorf("x-retries = %d, want 1", f.broker.retryCount)
	}
	if f.broker.retryTTL != 2*time.Second {
		t.Errorf("retry ttl = %s, want base 2s", f.broker.retryTTL)
	}
	if !f.events.has(store.EventROSError) || !f.events.has(store.EventRetryScheduled) {
		t.Errorf("audit trail = %v", f.events.types)
	}
	if f.wms.calls != 0 {
		t.Error("wms must not run after a ros failure")
	}
}

func TestHandle_RetryHopBacksOffExponentially(t *testing.T) {
	f := newWorkerFixture()
	f.cms.err = errors.New("cms soap call: unexpected status 503")
	d, _ := delivery(t, orderEnvelope(), 2)

	f.worker.handle(context.Background(), d)

	if f.broker.retryCount != 3 {
		t.Errorf("x-retries = %d, want 3", f.broker.retryCount)
	}
	// attempt 3: 2s * 2^2
	if f.broker.retryTTL != 8*time.Second {
		t.Errorf("retry ttl = %s, want 8s", f.broker.retryTTL)
	}
}

func TestHandle_ExhaustedBudgetDeadLetters(t *testing.T) {
	f := newWorkerFixture()
	f.wms.err = errors.New("wms tcp: dial refused")
	d, ack := delivery(t, orderEnvelope(), 3)

	f.worker.handle(context.Background(), d)

	if !ack.acked {
		t.Fatal("dead-lettered delivery must be acknowledged")
	}
	if f.broker.retryBody != nil {
		t.Error("exhausted budget must not republish a retry")
	}
	if f.broker.dlqReason == "" {
		t.Error("dlq reason missing")
	}
	if f.orders.status != store.StatusDLQ {
		t.Errorf("status = %s, want DLQ", f.orders.status)
	}
	if !f.events.has(store.EventWMSError) || !f.events.has(store.EventDeadLettered) {
		t.Errorf("audit trail = %v", f.events.types)
	}
}

func TestHandle_RepublishFailureRequeues(t *testing.T) {
	f := newWorkerFixture()
	f.cms.err = errors.New("cms down")
	f.broker.publishError = errors.New("channel closed")
	d, ack := delivery(t, orderEnvelope(), 0)

	f.worker.handle(context.Background(), d)

	if ack.acked {
		t.Error("delivery must not be acked when the republish failed")
	}
	if !ack.nacked || !ack.requeued {
		t.Error("delivery must be requeued for another attempt")
	}
}
