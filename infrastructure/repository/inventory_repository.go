package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ordersaga/domain/order"
)

// ErrVersionConflict is returned when an optimistic-concurrency update
// loses the race on a product's version column (spec.md §4.5 "Inventory
// reserve"; §5 "Inventory rows").
var ErrVersionConflict = errors.New("inventory: version conflict")

// ErrInsufficientStock is returned when a product doesn't have enough
// available quantity to satisfy a reservation line.
var ErrInsufficientStock = errors.New("inventory: insufficient stock")

// ReservationStatus is the lifecycle of an inventory_reservations row.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationReleased ReservationStatus = "RELEASED"
)

// InventoryRepository persists product stock and order reservations.
type InventoryRepository struct {
	db *sql.DB
}

// NewInventoryRepository constructs an InventoryRepository over db.
func NewInventoryRepository(db *sql.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// TryReserveOne attempts one optimistic-concurrency reservation of qty
// units of productID: reads the current version, then updates
// reserved_qty conditioned on that version still matching. Returns
// ErrVersionConflict if another writer won the race (caller retries per
// spec.md §4.5's bounded 3-retry/10-20-30ms backoff), or
// ErrInsufficientStock if available_qty - reserved_qty < qty.
func (r *InventoryRepository) TryReserveOne(ctx context.Context, productID string, qty int) error {
	var availableQty, reservedQty, version int
	err := r.db.QueryRowContext(ctx, `
		SELECT available_qty, reserved_qty, version FROM inventory WHERE product_id = $1
	`, productID).Scan(&availableQty, &reservedQty, &version)
	if err != nil {
		return fmt.Errorf("load inventory row %s: %w", productID, err)
	}

	if availableQty-reservedQty < qty {
		return ErrInsufficientStock
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE inventory SET reserved_qty = reserved_qty + $1, version = version + 1
		WHERE product_id = $2 AND version = $3
	`, qty, productID, version)
	if err != nil {
		return fmt.Errorf("reserve inventory %s: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ReleaseOne undoes a reservation of qty units of productID: increments
// available_qty, decrements reserved_qty clamped at zero (spec.md §4.5
// "Inventory release").
func (r *InventoryRepository) ReleaseOne(ctx context.Context, productID string, qty int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE inventory
		SET available_qty = available_qty + $1,
		    reserved_qty = GREATEST(reserved_qty - $1, 0)
		WHERE product_id = $2
	`, qty, productID)
	if err != nil {
		return fmt.Errorf("release inventory %s: %w", productID, err)
	}
	return nil
}

// SaveReservation writes a reservation row keyed by orderID, ACTIVE by
// default.
func (r *InventoryRepository) SaveReservation(ctx context.Context, orderID string, items []order.Item) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal reservation items: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO inventory_reservations (order_id, items, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO UPDATE SET items = EXCLUDED.items, status = EXCLUDED.status
	`, orderID, payload, string(ReservationActive))
	if err != nil {
		return fmt.Errorf("save reservation %s: %w", orderID, err)
	}
	return nil
}

// Reservation is one inventory_reservations row.
type Reservation struct {
	OrderID string
	Items   []order.Item
	Status  ReservationStatus
}

// GetReservation loads the reservation for orderID, or (nil, nil) if absent.
func (r *InventoryRepository) GetReservation(ctx context.Context, orderID string) (*Reservation, error) {
	var items []byte
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT items, status FROM inventory_reservations WHERE order_id = $1
	`, orderID).Scan(&items, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation %s: %w", orderID, err)
	}

	var parsed []order.Item
	if err := json.Unmarshal(items, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal reservation items: %w", err)
	}
	return &Reservation{OrderID: orderID, Items: parsed, Status: ReservationStatus(status)}, nil
}

// MarkReservationReleased flips a reservation's status to RELEASED.
func (r *InventoryRepository) MarkReservationReleased(ctx context.Context, orderID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE inventory_reservations SET status = $1 WHERE order_id = $2
	`, string(ReservationReleased), orderID)
	if err != nil {
		return fmt.Errorf("mark reservation released %s: %w", orderID, err)
	}
	return nil
}
