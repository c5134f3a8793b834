// Package repository persists domain entities to Postgres. OrderRepository
// replaces the teacher's event-sourced Get/Save pair (which replayed
// events.EventStore.Load through order.Order.When) with direct row
// CRUD: this module's saga continuation lives in the external saga state
// store (infrastructure/sagastore), not in event-sourced aggregates, so
// the order row only ever needs its current fields.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ordersaga/domain/order"
)

// ErrNotFound is returned when no order row matches the requested id.
var ErrNotFound = errors.New("order not found")

// OrderRepository persists order.Order rows.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository constructs an OrderRepository over db.
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a new order row inside tx, so the caller can append the
// orders.created outbox record in the same atomic unit (spec.md §4.1).
func (r *OrderRepository) Create(ctx context.Context, tx *sql.Tx, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, items, total_amount, currency, payment_method, shipping_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, o.ID, o.CustomerID, items, o.TotalAmount, o.Currency, o.PaymentMethod, o.ShippingAddress, o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Get loads an order by id.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (*order.Order, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, customer_id, items, total_amount, currency, payment_method, shipping_address, status, created_at, updated_at
		FROM orders WHERE id = $1
	`, orderID)

	var o order.Order
	var items []byte
	if err := row.Scan(&o.ID, &o.CustomerID, &items, &o.TotalAmount, &o.Currency, &o.PaymentMethod, &o.ShippingAddress, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query order: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	return &o, nil
}

// UpdateStatus persists o's current status and updated_at.
func (r *OrderRepository) UpdateStatus(ctx context.Context, o *order.Order) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
	`, o.Status, o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}
