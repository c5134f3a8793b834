package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/infrastructure/messaging"
	"ordersaga/infrastructure/sagastore"
)

// fakeKV is a minimal in-memory Redis stand-in satisfying both
// sagastore.RedisClient and idempotency.RedisClient, so the orchestrator
// can be exercised against its real store/guard without a live Redis.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
	seen map[string]bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte), seen: make(map[string]bool)}
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = v
	case string:
		f.data[key] = []byte(v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(b), nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		delete(f.data, k)
		delete(f.seen, k)
		n++
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeKV) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (f *fakeKV) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.seen[key] = true
	return redis.NewBoolResult(true, nil)
}

// fakeBus is an in-memory messaging.PubSub recording every published
// envelope and subscribed handler.
type fakeBus struct {
	mu         sync.Mutex
	published  []publishedMsg
	subscribed map[string]messaging.Handler
}

type publishedMsg struct {
	topic string
	env   event.Envelope
}

func newFakeBus() *fakeBus {
	return &fakeBus{subscribed: make(map[string]messaging.Handler)}
}

func (b *fakeBus) Publish(ctx context.Context, topic, partitionKey string, env event.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{topic: topic, env: env})
	return nil
}

func (b *fakeBus) Subscribe(topic string, handler messaging.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[topic] = handler
	return nil
}

func (b *fakeBus) topics() []string {
	var topics []string
	for _, m := range b.published {
		topics = append(topics, m.topic)
	}
	return topics
}

func (b *fakeBus) last(topic string) (event.Envelope, bool) {
	for i := len(b.published) - 1; i >= 0; i-- {
		if b.published[i].topic == topic {
			return b.published[i].env, true
		}
	}
	return event.Envelope{}, false
}

// fakeOrderStore is an in-memory stand-in for *repository.OrderRepository,
// scoped to the Orchestrator's OrderStore dependency.
type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]*order.Order)}
}

func (s *fakeOrderStore) seed(o *order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *fakeOrderStore) Get(ctx context.Context, orderID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

func (s *fakeOrderStore) UpdateStatus(ctx context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *fakeOrderStore) status(orderID string) order.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ""
	}
	return o.Status
}

func newTestOrchestrator() (*Orchestrator, *fakeBus, *sagastore.Store, *fakeOrderStore) {
	kv := newFakeKV()
	store := sagastore.NewStore(kv, 35*time.Minute, nil)
	guard := idempotency.NewGuard(kv, 0)
	bus := newFakeBus()
	orderRepo := newFakeOrderStore()
	orderRepo.seed(&order.Order{ID: "ord-1", CustomerID: "cust-1", Status: order.StatusPending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()})
	orch := NewOrchestrator(store, bus, guard, orderRepo, zap.NewNop(), 300*time.Second, 5*time.Minute)
	return orch, bus, store, orderRepo
}

func createdEnvelope(t *testing.T, correlationID, orderID string) event.Envelope {
	t.Helper()
	payload := order.Created{
		OrderID:    orderID,
		CustomerID: "cust-1",
		Items:      []order.Item{{ProductID: "sku-1", Quantity: 2, UnitPrice: 10}},
		TotalAmount: 20,
		Currency:    "USD",
		PaymentMethod: "card",
		ShippingAddress: "addr",
	}
	env, err := event.New(order.TopicOrderCreated, "/services/order-service", correlationID, "", payload)
	require.NoError(t, err)
	return env
}

func TestOrchestrator_HappyPath(t *testing.T) {
	orch, bus, store, orderRepo := newTestOrchestrator()
	ctx := context.Background()

	createdEnv := createdEnvelope(t, "corr-1", "ord-1")
	require.NoError(t, orch.handleOrderCreated(ctx, createdEnv))

	state, found, err := store.Load(ctx, "corr-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(StatusReservingInventory), state.Status)

	reserveReqEnv, ok := bus.last(order.TopicInventoryReserveRequested)
	require.True(t, ok)

	reservedEnv, err := event.New(order.TopicInventoryReserved, "/services/inventory-service", "corr-1", reserveReqEnv.ID, order.InventoryReserved{OrderID: "ord-1"})
	require.NoError(t, err)
	require.NoError(t, orch.handleInventoryReserved(ctx, reservedEnv))

	state, _, err = store.Load(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusProcessingPayment), state.Status)
	assert.Contains(t, state.CompletedSteps, string(StepReserveInventory))

	initiatedEnv, ok := bus.last(order.TopicPaymentInitiated)
	require.True(t, ok)

	completedEnv, err := event.New(order.TopicPaymentCompleted, "/services/payment-service", "corr-1", initiatedEnv.ID,
		order.PaymentCompleted{OrderID: "ord-1", PaymentID: "pay-1", Amount: 20, Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, orch.handlePaymentCompleted(ctx, completedEnv))

	state, _, err = store.Load(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusConfirming), state.Status)
	assert.Equal(t, "pay-1", state.PaymentID)
	assert.Contains(t, state.CompletedSteps, string(StepProcessPayment))

	confirmedOutEnv, ok := bus.last(order.TopicOrderConfirmed)
	require.True(t, ok)

	selfConfirmedEnv, err := event.New(order.TopicOrderConfirmed, "/services/order-service", "corr-1", confirmedOutEnv.ID, order.Confirmed{OrderID: "ord-1", CustomerID: "cust-1"})
	require.NoError(t, err)
	require.NoError(t, orch.handleOrderConfirmed(ctx, selfConfirmedEnv))

	state, found, err = store.Load(ctx, "corr-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(StatusCompleted), state.Status)
	assert.Contains(t, state.CompletedSteps, string(StepConfirmOrder))
	assert.Contains(t, state.CompletedSteps, string(StepSendNotification))
	assert.NotNil(t, state.CompletedAt)

	_, ok = bus.last(order.TopicNotificationSend)
	assert.True(t, ok)

	assert.Equal(t, order.StatusConfirmed, orderRepo.status("ord-1"))
}

func TestOrchestrator_InventoryReservationFailed_CompensatesWithNoRelease(t *testing.T) {
	orch, bus, store, orderRepo := newTestOrchestrator()
	ctx := context.Background()

	require.NoError(t, orch.handleOrderCreated(ctx, createdEnvelope(t, "corr-1", "ord-1")))

	failEnv, err := event.New(order.TopicInventoryReservationFailed, "/services/inventory-service", "corr-1", "", order.InventoryReservationFailed{OrderID: "ord-1", Reason: "insufficient stock"})
	require.NoError(t, err)
	require.NoError(t, orch.handleInventoryReservationFailed(ctx, failEnv))

	state, found, err := store.Load(ctx, "corr-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(StatusCompensated), state.Status)

	for _, topic := range bus.topics() {
		assert.NotEqual(t, order.TopicInventoryReleased, topic, "no reservation was ever completed, nothing to release")
		assert.NotEqual(t, order.TopicPaymentRefunded, topic, "no payment was ever completed, nothing to refund")
	}
	_, cancelled := bus.last(order.TopicOrderCancelled)
	assert.True(t, cancelled)
	assert.Equal(t, order.StatusCancelled, orderRepo.status("ord-1"))
}

func TestOrchestrator_PaymentFailed_ReleasesInventoryOnly(t *testing.T) {
	orch, bus, store, orderRepo := newTestOrchestrator()
	ctx := context.Background()

	require.NoError(t, orch.handleOrderCreated(ctx, createdEnvelope(t, "corr-1", "ord-1")))
	reservedEnv, err := event.New(order.TopicInventoryReserved, "/services/inventory-service", "corr-1", "", order.InventoryReserved{OrderID: "ord-1"})
	require.NoError(t, err)
	require.NoError(t, orch.handleInventoryReserved(ctx, reservedEnv))

	failEnv, err := event.New(order.TopicPaymentFailed, "/services/payment-service", "corr-1", "", order.PaymentFailed{OrderID: "ord-1", Reason: "card declined"})
	require.NoError(t, err)
	require.NoError(t, orch.handlePaymentFailed(ctx, failEnv))

	state, _, err := store.Load(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompensated), state.Status)

	_, released := bus.last(order.TopicInventoryReleased)
	assert.True(t, released, "inventory step had completed, so it must be released")
	for _, topic := range bus.topics() {
		assert.NotEqual(t, order.TopicPaymentRefunded, topic, "payment never completed, nothing to refund")
	}
	assert.Equal(t, order.StatusCancelled, orderRepo.status("ord-1"))
}

func TestOrchestrator_Compensate_FullChainRefundsThenReleases(t *testing.T) {
	orch, bus, store, orderRepo := newTestOrchestrator()
	ctx := context.Background()

	now := time.Now().UTC()
	snapshot := order.Created{OrderID: "ord-1", CustomerID: "cust-1", Items: []order.Item{{ProductID: "sku-1", Quantity: 1, UnitPrice: 10}}, TotalAmount: 10, Currency: "USD"}
	snapshotBytes, err := json.Marshal(snapshot)
	require.NoError(t, err)

	state := sagastore.State{
		CorrelationID:  "corr-1",
		OrderID:        "ord-1",
		CustomerID:     "cust-1",
		OrderSnapshot:  snapshotBytes,
		Status:         string(StatusProcessingPayment),
		PaymentID:      "pay-1",
		CompletedSteps: []string{string(StepReserveInventory), string(StepProcessPayment)},
		StartedAt:      now,
		LastUpdatedAt:  now,
		TimeoutAt:      now.Add(time.Hour),
	}
	require.NoError(t, store.Save(ctx, state))

	require.NoError(t, orch.compensate(ctx, state, "full chain rollback", ""))

	refundIdx, releaseIdx := -1, -1
	for i, m := range bus.published {
		if m.topic == order.TopicPaymentRefunded {
			refundIdx = i
		}
		if m.topic == order.TopicInventoryReleased {
			releaseIdx = i
		}
	}
	require.NotEqual(t, -1, refundIdx)
	require.NotEqual(t, -1, releaseIdx)
	assert.Less(t, refundIdx, releaseIdx, "compensation unwinds in reverse step order: refund payment before releasing inventory")

	finalState, _, err := store.Load(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompensated), finalState.Status)
	assert.Equal(t, order.StatusCancelled, orderRepo.status("ord-1"))
}

func TestOrchestrator_DuplicateDelivery_HandledOnce(t *testing.T) {
	orch, bus, _, _ := newTestOrchestrator()
	ctx := context.Background()

	env := createdEnvelope(t, "corr-1", "ord-1")
	wrapped := orch.dedup(order.TopicOrderCreated, orch.handleOrderCreated)

	require.NoError(t, wrapped(ctx, env))
	require.NoError(t, wrapped(ctx, env))

	count := 0
	for _, topic := range bus.topics() {
		if topic == order.TopicInventoryReserveRequested {
			count++
		}
	}
	assert.Equal(t, 1, count, "the duplicate delivery must not re-trigger the step")
}

func TestOrchestrator_OutOfSequenceEvent_Discarded(t *testing.T) {
	orch, bus, store, _ := newTestOrchestrator()
	ctx := context.Background()

	require.NoError(t, orch.handleOrderCreated(ctx, createdEnvelope(t, "corr-1", "ord-1")))

	// the saga is RESERVING_INVENTORY; a payments.completed for it now is
	// out of sequence and must be silently discarded
	completedEnv, err := event.New(order.TopicPaymentCompleted, "/services/payment-service", "corr-1", "", order.PaymentCompleted{OrderID: "ord-1", PaymentID: "pay-1"})
	require.NoError(t, err)
	require.NoError(t, orch.handlePaymentCompleted(ctx, completedEnv))

	state, _, err := store.Load(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusReservingInventory), state.Status, "state must be unchanged by the out-of-sequence event")

	for _, topic := range bus.topics() {
		assert.NotEqual(t, order.TopicOrderConfirmed, topic)
	}
}

func TestOrchestrator_OrphanEvent_Discarded(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator()
	ctx := context.Background()

	env, err := event.New(order.TopicInventoryReserved, "/services/inventory-service", "corr-unknown", "", order.InventoryReserved{OrderID: "ord-x"})
	require.NoError(t, err)

	assert.NoError(t, orch.handleInventoryReserved(ctx, env))
}

func TestOrchestrator_TimedOutSaga_Compensates(t *testing.T) {
	orch, bus, store, orderRepo := newTestOrchestrator()
	ctx := context.Background()

	require.NoError(t, orch.handleOrderCreated(ctx, createdEnvelope(t, "corr-1", "ord-1")))

	state, found, err := store.Load(ctx, "corr-1")
	require.NoError(t, err)
	require.True(t, found)
	state.TimeoutAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Save(ctx, state))

	reservedEnv, err := event.New(order.TopicInventoryReserved, "/services/inventory-service", "corr-1", "", order.InventoryReserved{OrderID: "ord-1"})
	require.NoError(t, err)
	require.NoError(t, orch.handleInventoryReserved(ctx, reservedEnv))

	finalState, _, err := store.Load(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompensated), finalState.Status)

	_, cancelled := bus.last(order.TopicOrderCancelled)
	assert.True(t, cancelled)
	assert.Equal(t, order.StatusCancelled, orderRepo.status("ord-1"))
}

func TestOrchestrator_Start_SubscribesAllTopics(t *testing.T) {
	orch, bus, _, _ := newTestOrchestrator()
	require.NoError(t, orch.Start())

	wantTopics := []string{
		order.TopicOrderCreated,
		order.TopicInventoryReserved,
		order.TopicInventoryReservationFailed,
		order.TopicPaymentCompleted,
		order.TopicPaymentFailed,
		order.TopicOrderConfirmed,
	}
	for _, topic := range wantTopics {
		_, ok := bus.subscribed[topic]
		assert.True(t, ok, "expected a subscription for %s", topic)
	}
}
