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

// handleInventoryReserved advances RESERVING_INVENTORY → PROCESSING_PAYMENT
// on a successful reservation (spec.md §4.4 response table).
func (o *Orchestrator) handleInventoryReserved(ctx context.Context, env event.Envelope) error {
	var evt order.InventoryReserved
	if err := env.Decode(&evt); err != nil {
		return fmt.Errorf("decode inventory.reserved: %w", err)
	}

	state, ok, err := o.validate(ctx, env.CorrelationID, StatusReservingInventory, env.Type)
	if err != nil || !ok {
		return err
	}

	state.CompletedSteps = append(state.CompletedSteps, string(StepReserveInventory))
	return o.startProcessPayment(ctx, state, env.ID)
}

// handleInventoryReservationFailed enters compensation (spec.md §4.4
// response table: "any non-terminal").
func (o *Orchestrator) handleInventoryReservationFailed(ctx context.Context, env event.Envelope) error {
	var evt order.InventoryReservationFailed
	if err := env.Decode(&evt); err != nil {
		return fmt.Errorf("decode inventory.reservation-failed: %w", err)
	}

	state, ok, err := o.validateFailure(ctx, env.CorrelationID)
	if err != nil || !ok {
		return err
	}

	return o.compensate(ctx, state, fmt.Sprintf("Inventory reservation failed: %s", evt.Reason), env.ID)
}

// startProcessPayment executes the PROCESS_PAYMENT step: enter
// PROCESSING_PAYMENT and publish payments.initiated.
func (o *Orchestrator) startProcessPayment(ctx context.Context, state sagastore.State, causationID string) error {
	var snapshot order.Created
	if err := json.Unmarshal(state.OrderSnapshot, &snapshot); err != nil {
		return fmt.Errorf("decode order snapshot: %w", err)
	}

	state.Status = string(StatusProcessingPayment)
	state.CurrentStep = string(StepProcessPayment)
	state.LastUpdatedAt = time.Now().UTC()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}

	payload := order.PaymentInitiated{
		OrderID:       state.OrderID,
		CustomerID:    state.CustomerID,
		Amount:        snapshot.TotalAmount,
		Currency:      snapshot.Currency,
		PaymentMethod: snapshot.PaymentMethod,
	}
	outEnv, err := event.New(order.TopicPaymentInitiated, orchestratorSource, state.CorrelationID, causationID, payload)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, order.TopicPaymentInitiated, state.CorrelationID, outEnv)
}
