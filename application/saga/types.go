// Package saga implements the stateless saga orchestrator of spec.md §4.4:
// a controller with no in-memory state, driving the order workflow through
// the external saga state store and the idempotency guard. Generalizes the
// teacher's application/saga/order_saga_refactored.go per-step-file
// structure and its Start/handleX subscribe-per-step pattern, replacing
// its event-sourced aggregate/position flow with spec.md's
// inventory/payment/confirm/notify workflow.
package saga

import (
	"context"
	"time"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/errs"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/infrastructure/messaging"
	"ordersaga/infrastructure/sagastore"

	"go.uber.org/zap"
)

// Status is the saga lifecycle, per spec.md §3 "Saga state".
type Status string

const (
	StatusStarted            Status = "STARTED"
	StatusReservingInventory Status = "RESERVING_INVENTORY"
	StatusProcessingPayment  Status = "PROCESSING_PAYMENT"
	StatusConfirming         Status = "CONFIRMING"
	StatusCompleted          Status = "COMPLETED"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusFailed             Status = "FAILED"
	StatusTimedOut           Status = "TIMED_OUT"
)

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Step is one entry in a saga's completedSteps, drawn from the closed set
// spec.md §3 names.
type Step string

const (
	StepReserveInventory Step = "RESERVE_INVENTORY"
	StepProcessPayment   Step = "PROCESS_PAYMENT"
	StepConfirmOrder     Step = "CONFIRM_ORDER"
	StepSendNotification Step = "SEND_NOTIFICATION"
)

// orchestratorSource is the logical path this module publishes under. Per
// spec.md §9's open question on the source field, every orchestrator-
// originated event (forward step or compensation) is stamped with the
// component that actually emits it, not copied from an inbound event.
const orchestratorSource = "/services/order-service"

// OrderStore is the subset of *repository.OrderRepository the
// orchestrator needs to project the saga's terminal outcome onto the
// orders row (spec.md §4.4's COMPLETED/COMPENSATED transitions), kept
// narrow so tests can substitute a fake in place of a live database.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
	UpdateStatus(ctx context.Context, o *order.Order) error
}

// Orchestrator drives the order saga. It holds no saga state in memory;
// every transition loads from and saves to the external store, so any
// number of orchestrator instances can run behind the bus's per-
// correlationId partitioning (spec.md §9 "Stateless orchestrator").
type Orchestrator struct {
	store     *sagastore.Store
	bus       messaging.PubSub
	guard     *idempotency.Guard
	orderRepo OrderStore
	log       *zap.Logger

	timeout           time.Duration
	postTerminalGrace time.Duration
}

// NewOrchestrator constructs an Orchestrator. timeout is the per-saga
// wall-clock timeout (default 300000ms); postTerminalGrace is how long a
// terminal saga's state is kept visible before deletion (default 5min).
func NewOrchestrator(store *sagastore.Store, bus messaging.PubSub, guard *idempotency.Guard, orderRepo OrderStore, log *zap.Logger, timeout, postTerminalGrace time.Duration) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{store: store, bus: bus, guard: guard, orderRepo: orderRepo, log: log, timeout: timeout, postTerminalGrace: postTerminalGrace}
}

// dedup wraps handler with the idempotency usage contract of spec.md §4.2:
// skip (ack, no side effect) on a duplicate eventId for topic, otherwise
// run the handler. A handler error propagates unacknowledged so the bus
// redelivers.
func (o *Orchestrator) dedup(topic string, handler messaging.Handler) messaging.Handler {
	return func(ctx context.Context, env event.Envelope) error {
		dup, err := o.guard.IsDuplicate(ctx, env.ID, topic)
		if err != nil {
			return err
		}
		if dup {
			skip := &errs.DuplicateEventError{EventID: env.ID, Topic: topic}
			o.log.Info(skip.Error())
			return nil
		}
		return handler(ctx, env)
	}
}
