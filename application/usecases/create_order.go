// Package usecases holds the application-layer operations that sit above
// the domain entities and below the HTTP/saga entry points, the way the
// teacher's application/usecases package does.
package usecases

import (
	"context"
	"database/sql"
	"fmt"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/infrastructure/outbox"
	"ordersaga/infrastructure/repository"
	pkguuid "ordersaga/pkg/uuid"
)

const orderServiceSource = "/services/order-service"

// CreateOrderUseCase validates and persists a new order, appending its
// orders.created outbox record in the same transaction (spec.md §4.1)
// so the write and the event are atomic. Generalizes the teacher's
// aggregate-store-based CreateOrderUseCase (which saved event-sourced
// Changes) into a plain row insert plus outbox append.
type CreateOrderUseCase struct {
	db        *sql.DB
	orderRepo *repository.OrderRepository
	outbox    *outbox.Outbox
}

// NewCreateOrderUseCase constructs a CreateOrderUseCase.
func NewCreateOrderUseCase(db *sql.DB, orderRepo *repository.OrderRepository, ob *outbox.Outbox) *CreateOrderUseCase {
	return &CreateOrderUseCase{db: db, orderRepo: orderRepo, outbox: ob}
}

// Request carries the fields needed to accept a new order.
type Request struct {
	CustomerID      string
	Items           []order.Item
	TotalAmount     float64
	Currency        string
	PaymentMethod   string
	ShippingAddress string
}

// Result is what Execute returns on success: the new order and saga ids.
type Result struct {
	OrderID       string
	CorrelationID string
}

// Execute validates req, inserts the order row, and appends the
// orders.created outbox record, all inside one transaction. The saga's
// correlation id is minted fresh here, distinct from the order id, since
// a saga attempt is a separate concept from the order row it drives.
func (uc *CreateOrderUseCase) Execute(ctx context.Context, req Request) (Result, error) {
	orderID := pkguuid.New()
	correlationID := pkguuid.New()

	o, err := order.New(orderID, req.CustomerID, req.Items, req.TotalAmount, req.Currency, req.PaymentMethod, req.ShippingAddress)
	if err != nil {
		return Result{}, err
	}

	tx, err := uc.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin create-order tx: %w", err)
	}
	defer tx.Rollback()

	if err := uc.orderRepo.Create(ctx, tx, o); err != nil {
		return Result{}, err
	}

	env, err := event.New(order.TopicOrderCreated, orderServiceSource, correlationID, "", o.CreatedEvent())
	if err != nil {
		return Result{}, err
	}

	if err := uc.outbox.Append(ctx, tx, o.ID, "Order", order.TopicOrderCreated, order.TopicOrderCreated, env); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit create-order tx: %w", err)
	}

	return Result{OrderID: o.ID, CorrelationID: correlationID}, nil
}
