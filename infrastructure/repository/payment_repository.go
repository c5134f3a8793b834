package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PaymentStatus is the lifecycle of a payments row.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Payment is one payments row.
type Payment struct {
	ID       string
	OrderID  string
	Amount   float64
	Currency string
	Status   PaymentStatus
	Reason   string
}

// PaymentRepository persists payment and refund rows.
type PaymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository constructs a PaymentRepository over db.
func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// GetByOrderID returns the payment for orderID, or (nil, nil) if absent.
// Used for spec.md §4.5 "Payment process" idempotent-by-orderId dispatch.
func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	var p Payment
	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, amount, currency, status, reason FROM payments WHERE order_id = $1
	`, orderID).Scan(&p.ID, &p.OrderID, &p.Amount, &p.Currency, &p.Status, &p.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment for order %s: %w", orderID, err)
	}
	return &p, nil
}

// Create inserts a new payment row.
func (r *PaymentRepository) Create(ctx context.Context, p Payment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount, currency, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.OrderID, p.Amount, p.Currency, p.Status, p.Reason)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", p.ID, err)
	}
	return nil
}

// RefundExists reports whether a refund row already exists for
// paymentID, for spec.md §4.5 "Payment refund" idempotent-by-paymentId
// dispatch.
func (r *PaymentRepository) RefundExists(ctx context.Context, paymentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM refunds WHERE payment_id = $1)`, paymentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check refund for payment %s: %w", paymentID, err)
	}
	return exists, nil
}

// CreateRefund writes a refund row and flips the payment's status to
// REFUNDED.
func (r *PaymentRepository) CreateRefund(ctx context.Context, paymentID, orderID string, amount float64, currency string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refunds (payment_id, order_id, amount, currency) VALUES ($1, $2, $3, $4)
	`, paymentID, orderID, amount, currency); err != nil {
		return fmt.Errorf("insert refund for payment %s: %w", paymentID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1 WHERE id = $2
	`, string(PaymentRefunded), paymentID); err != nil {
		return fmt.Errorf("mark payment refunded %s: %w", paymentID, err)
	}
	return tx.Commit()
}
