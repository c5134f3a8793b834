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

// handleOrderCreated starts a new saga for an orders.created event and
// executes the first step, RESERVE_INVENTORY (spec.md §4.4 step sequence).
func (o *Orchestrator) handleOrderCreated(ctx context.Context, env event.Envelope) error {
	var created order.Created
	if err := env.Decode(&created); err != nil {
		return fmt.Errorf("decode orders.created: %w", err)
	}

	if _, found, err := o.store.Load(ctx, env.CorrelationID); err != nil {
		return err
	} else if found {
		o.log.Warn("saga already started, ignoring duplicate orders.created", zap.String("correlation_id", env.CorrelationID))
		return nil
	}

	now := time.Now().UTC()
	state := sagastore.State{
		CorrelationID: env.CorrelationID,
		OrderID:       created.OrderID,
		CustomerID:    created.CustomerID,
		OrderSnapshot: env.Data,
		Status:        string(StatusStarted),
		StartedAt:     now,
		LastUpdatedAt: now,
		TimeoutAt:     now.Add(o.timeout),
	}

	o.log.Info("saga started", zap.String("correlation_id", env.CorrelationID), zap.String("order_id", created.OrderID))

	return o.startReserveInventory(ctx, state, created, env.ID)
}

// startReserveInventory executes the RESERVE_INVENTORY step: enter
// RESERVING_INVENTORY and publish inventory.reserve-requested.
func (o *Orchestrator) startReserveInventory(ctx context.Context, state sagastore.State, snapshot order.Created, causationID string) error {
	state.Status = string(StatusReservingInventory)
	state.CurrentStep = string(StepReserveInventory)
	state.LastUpdatedAt = time.Now().UTC()
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}

	payload := order.InventoryReserveRequested{OrderID: state.OrderID, Items: snapshot.Items}
	env, err := event.New(order.TopicInventoryReserveRequested, orchestratorSource, state.CorrelationID, causationID, payload)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, order.TopicInventoryReserveRequested, state.CorrelationID, env)
}
