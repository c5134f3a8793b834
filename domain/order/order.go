package order

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle of an order row, independent of the saga's own
// status (application/saga.Status) which drives it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Order is the plain entity persisted by infrastructure/repository. Unlike
// the teacher's event-sourced aggregate (domain/order/aggregate.go in the
// original), saga continuation lives in the external saga state store
// (spec.md §9 "Stateless orchestrator"), so this entity carries no
// replay machinery — just the validated, current row.
type Order struct {
	ID              string
	CustomerID      string
	Items           []Item
	TotalAmount     float64
	Currency        string
	PaymentMethod   string
	ShippingAddress string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New validates and constructs an order from its create-time fields. This
// generalizes the business validation the teacher's AcceptOrder command
// performed before emitting OrderAccepted.
func New(id, customerID string, items []Item, totalAmount float64, currency, paymentMethod, shippingAddress string) (*Order, error) {
	if id == "" || customerID == "" {
		return nil, errors.New("order id and customer id are required")
	}
	if len(items) == 0 {
		return nil, errors.New("order must contain at least one item")
	}
	if totalAmount <= 0 {
		return nil, errors.New("total_amount must be positive")
	}
	sum := 0.0
	for _, it := range items {
		if it.Quantity <= 0 || it.UnitPrice <= 0 {
			return nil, fmt.Errorf("invalid item %s: quantity and unit price must be positive", it.ProductID)
		}
		sum += float64(it.Quantity) * it.UnitPrice
	}
	if diff := totalAmount - sum; diff > 0.01 || diff < -0.01 {
		return nil, fmt.Errorf("total_amount %.2f does not match sum of items %.2f", totalAmount, sum)
	}
	now := time.Now().UTC()
	return &Order{
		ID:              id,
		CustomerID:      customerID,
		Items:           items,
		TotalAmount:     totalAmount,
		Currency:        currency,
		PaymentMethod:   paymentMethod,
		ShippingAddress: shippingAddress,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Confirm transitions the order to confirmed. Idempotent: confirming an
// already-confirmed order is a no-op, matching the teacher's idempotent
// CompleteOrder/FailOrder commands.
func (o *Order) Confirm() error {
	if o.Status == StatusConfirmed {
		return nil
	}
	if o.Status == StatusCancelled {
		return errors.New("cannot confirm a cancelled order")
	}
	o.Status = StatusConfirmed
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel transitions the order to cancelled. Idempotent for the same reason.
func (o *Order) Cancel() error {
	if o.Status == StatusCancelled {
		return nil
	}
	if o.Status == StatusConfirmed {
		return errors.New("cannot cancel a confirmed order")
	}
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// CreatedEvent builds the orders.created payload for this order.
func (o *Order) CreatedEvent() Created {
	return Created{
		OrderID:         o.ID,
		CustomerID:      o.CustomerID,
		Items:           o.Items,
		TotalAmount:     o.TotalAmount,
		Currency:        o.Currency,
		PaymentMethod:   o.PaymentMethod,
		ShippingAddress: o.ShippingAddress,
	}
}
