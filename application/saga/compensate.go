package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/infrastructure/sagastore"
)

// compensate runs the reverse-order compensation algorithm of spec.md
// §4.4: mark COMPENSATING, undo completed steps in reverse, always
// publish orders.cancelled and a cancellation notification, then mark
// COMPENSATED and schedule the state's deletion. causationID is the
// inbound event that triggered compensation (empty for a lazy timeout).
func (o *Orchestrator) compensate(ctx context.Context, state sagastore.State, reason, causationID string) error {
	now := time.Now().UTC()
	state.Status = string(StatusCompensating)
	state.FailureReason = reason
	state.FailedAt = &now
	state.LastUpdatedAt = now
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}

	var snapshot order.Created
	if err := json.Unmarshal(state.OrderSnapshot, &snapshot); err != nil {
		return fmt.Errorf("decode order snapshot for compensation: %w", err)
	}

	for i := len(state.CompletedSteps) - 1; i >= 0; i-- {
		switch Step(state.CompletedSteps[i]) {
		case StepReserveInventory:
			if err := o.publishInventoryReleased(ctx, state, snapshot, causationID); err != nil {
				return err
			}
		case StepProcessPayment:
			if err := o.publishPaymentRefunded(ctx, state, snapshot, causationID); err != nil {
				return err
			}
		case StepConfirmOrder, StepSendNotification:
			// idempotent, no external side effect that needs undoing
		}
	}

	if err := o.publishOrderCancelled(ctx, state, reason, causationID); err != nil {
		return err
	}
	if err := o.publishCancelNotification(ctx, state, reason, causationID); err != nil {
		return err
	}
	if err := o.cancelOrderRow(ctx, state.OrderID); err != nil {
		return fmt.Errorf("cancel order row: %w", err)
	}

	compensatedAt := time.Now().UTC()
	state.Status = string(StatusCompensated)
	state.LastUpdatedAt = compensatedAt
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	return o.store.ScheduleDelete(ctx, state.CorrelationID, o.postTerminalGrace)
}

// cancelOrderRow projects the saga's COMPENSATING→COMPENSATED transition
// onto the orders row (spec.md §6 "orders" table). Cancel is idempotent,
// so a re-run compensation (timeout retry, redelivery) is safe.
func (o *Orchestrator) cancelOrderRow(ctx context.Context, orderID string) error {
	ord, err := o.orderRepo.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if err := ord.Cancel(); err != nil {
		return fmt.Errorf("order %s: %w", orderID, err)
	}
	return o.orderRepo.UpdateStatus(ctx, ord)
}

func (o *Orchestrator) publishInventoryReleased(ctx context.Context, state sagastore.State, snapshot order.Created, causationID string) error {
	payload := order.InventoryReleased{OrderID: state.OrderID, Items: snapshot.Items}
	env, err := event.New(order.TopicInventoryReleased, orchestratorSource, state.CorrelationID, causationID, payload)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, order.TopicInventoryReleased, state.CorrelationID, env)
}

func (o *Orchestrator) publishPaymentRefunded(ctx context.Context, state sagastore.State, snapshot order.Created, causationID string) error {
	payload := order.PaymentRefunded{
		OrderID:   state.OrderID,
		PaymentID: state.PaymentID,
		Amount:    snapshot.TotalAmount,
		Currency:  snapshot.Currency,
	}
	env, err := event.New(order.TopicPaymentRefunded, orchestratorSource, state.CorrelationID, causationID, payload)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, order.TopicPaymentRefunded, state.CorrelationID, env)
}

func (o *Orchestrator) publishOrderCancelled(ctx context.Context, state sagastore.State, reason, causationID string) error {
	payload := order.Cancelled{OrderID: state.OrderID, CustomerID: state.CustomerID, Reason: reason}
	env, err := event.New(order.TopicOrderCancelled, orchestratorSource, state.CorrelationID, causationID, payload)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, order.TopicOrderCancelled, state.CorrelationID, env)
}

func (o *Orchestrator) publishCancelNotification(ctx context.Context, state sagastore.State, reason, causationID string) error {
	payload := order.NotificationSend{
		CustomerID: state.CustomerID,
		Channel:    "email",
		TemplateID: "order-cancelled",
		Variables:  map[string]string{"orderId": state.OrderID, "reason": reason},
	}
	env, err := event.New(order.TopicNotificationSend, orchestratorSource, state.CorrelationID, causationID, payload)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, order.TopicNotificationSend, state.CorrelationID, env)
}
