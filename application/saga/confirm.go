package saga

import (
	"context"
	"fmt"
	"time"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/infrastructure/sagastore"

	"go.uber.org/zap"
)

// handleOrderConfirmed advances CONFIRMING → SEND_NOTIFICATION → COMPLETED
// in one step: the orchestrator both publishes orders.confirmed (in
// startConfirmOrder) and, since it never holds state in memory, observes
// its own publication back off the bus to continue the saga (spec.md §4.4
// response table, §9 "Stateless orchestrator").
func (o *Orchestrator) handleOrderConfirmed(ctx context.Context, env event.Envelope) error {
	if err := env.Decode(&order.Confirmed{}); err != nil {
		return fmt.Errorf("decode orders.confirmed: %w", err)
	}

	state, ok, err := o.validate(ctx, env.CorrelationID, StatusConfirming, env.Type)
	if err != nil || !ok {
		return err
	}

	if err := o.confirmOrderRow(ctx, state.OrderID); err != nil {
		return fmt.Errorf("confirm order row: %w", err)
	}

	state.CompletedSteps = append(state.CompletedSteps, string(StepConfirmOrder))
	if err := o.sendConfirmationNotification(ctx, state, env.ID); err != nil {
		return err
	}

	state.CompletedSteps = append(state.CompletedSteps, string(StepSendNotification))
	now := time.Now().UTC()
	state.Status = string(StatusCompleted)
	state.CurrentStep = ""
	state.CompletedAt = &now
	state.LastUpdatedAt = now
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}

	o.log.Info("saga completed", zap.String("correlation_id", state.CorrelationID))
	return o.store.ScheduleDelete(ctx, state.CorrelationID, o.postTerminalGrace)
}

// confirmOrderRow projects the saga's CONFIRMING→COMPLETED transition
// onto the orders row (spec.md §6 "orders" table), alongside the saga
// state store that otherwise holds the authoritative saga status.
// Confirm is idempotent, so a redelivered orders.confirmed is safe.
func (o *Orchestrator) confirmOrderRow(ctx context.Context, orderID string) error {
	ord, err := o.orderRepo.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if err := ord.Confirm(); err != nil {
		return fmt.Errorf("order %s: %w", orderID, err)
	}
	return o.orderRepo.UpdateStatus(ctx, ord)
}

// sendConfirmationNotification executes the SEND_NOTIFICATION step:
// publish notifications.send with the order-confirmed template.
func (o *Orchestrator) sendConfirmationNotification(ctx context.Context, state sagastore.State, causationID string) error {
	payload := order.NotificationSend{
		CustomerID: state.CustomerID,
		Channel:    "email",
		TemplateID: "order-confirmed",
		Variables:  map[string]string{"orderId": state.OrderID},
	}
	outEnv, err := event.New(order.TopicNotificationSend, orchestratorSource, state.CorrelationID, causationID, payload)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, order.TopicNotificationSend, state.CorrelationID, outEnv)
}
