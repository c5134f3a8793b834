package saga

import (
	"ordersaga/domain/order"
	"ordersaga/infrastructure/messaging"

	"go.uber.org/zap"
)

// Start subscribes to every inbound topic the orchestrator reacts to, each
// wrapped with the idempotency dedup contract of spec.md §4.2. Mirrors the
// teacher's Start/handleX subscribe-per-step pattern, generalized from four
// swap-pipeline events to the reserve/pay/confirm/notify workflow.
func (o *Orchestrator) Start() error {
	subs := []struct {
		topic   string
		handler messaging.Handler
	}{
		{order.TopicOrderCreated, o.handleOrderCreated},
		{order.TopicInventoryReserved, o.handleInventoryReserved},
		{order.TopicInventoryReservationFailed, o.handleInventoryReservationFailed},
		{order.TopicPaymentCompleted, o.handlePaymentCompleted},
		{order.TopicPaymentFailed, o.handlePaymentFailed},
		{order.TopicOrderConfirmed, o.handleOrderConfirmed},
	}

	for _, sub := range subs {
		if err := o.bus.Subscribe(sub.topic, o.dedup(sub.topic, sub.handler)); err != nil {
			return err
		}
	}

	o.log.Info("saga orchestrator started", zap.Int("topics", len(subs)))
	return nil
}
