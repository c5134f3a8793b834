package saga

import (
	"context"
	"fmt"
	"time"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/infrastructure/sagastore"
)

// handlePaymentCompleted advances PROCESSING_PAYMENT → CONFIRMING, storing
// the paymentId (spec.md §4.4 response table).
func (o *Orchestrator) handlePaymentCompleted(ctx context.Context, env event.Envelope) error {
	var evt order.PaymentCompleted
	if err := env.Decode(&evt); err != nil {
		return fmt.Errorf("decode payments.completed: %w", err)
	}

	state, ok, err := o.validate(ctx, env.CorrelationID, StatusProcessingPayment, env.Type)
	if err != nil || !ok {
		return err
	}

	state.PaymentID = evt.PaymentID
	state.CompletedSteps = append(state.CompletedSteps, string(StepProcessPayment))
	return o.startConfirmOrder(ctx, state, env.ID)
}

// handlePaymentFailed enters compensation (spec.md §4.4 response table:
// "any non-terminal").
func (o *Orchestrator) handlePaymentFailed(ctx context.Context, env event.Envelope) error {
	var evt order.PaymentFailed
	if err := env.Decode(&evt); err != nil {
		return fmt.Errorf("decode payments.failed: %w", err)
	}

	state, ok, err := o.validateFailure(ctx, env.CorrelationID)
	if err != nil || !ok {
		return err
	}

	return o.compensate(ctx, state, fmt.Sprintf("Payment failed: %s", evt.Reason), env.ID)
}

// startConfirmOrder executes the CONFIRM_ORDER step: enter CONFIRMING and
// publish orders.confirmed.
func (o *Orchestrator) startConfirmOrder(ctx context.Context, state sagastore.State, causationID string) error {
	state.Status = string(StatusConfirming)
	state.CurrentStep = string(StepConfirmOrder)
	state.LastUpdatedAt = time.Now().UTC()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}

	payload := order.Confirmed{OrderID: state.OrderID, CustomerID: state.CustomerID}
	outEnv, err := event.New(order.TopicOrderConfirmed, orchestratorSource, state.CorrelationID, causationID, payload)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, order.TopicOrderConfirmed, state.CorrelationID, outEnv)
}
