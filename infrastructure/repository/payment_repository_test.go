package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentRepository_GetByOrderID_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, order_id, amount, currency, status, reason FROM payments WHERE order_id = $1")).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "amount", "currency", "status", "reason"}).
			AddRow("pay-1", "ord-1", 25.0, "USD", string(PaymentCompleted), "mock-ref-ord-1"))

	repo := NewPaymentRepository(db)
	p, err := repo.GetByOrderID(context.Background(), "ord-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "pay-1", p.ID)
	assert.Equal(t, PaymentCompleted, p.Status)
}

func TestPaymentRepository_GetByOrderID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, order_id, amount, currency, status, reason FROM payments WHERE order_id = $1")).
		WithArgs("ord-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "amount", "currency", "status", "reason"}))

	repo := NewPaymentRepository(db)
	p, err := repo.GetByOrderID(context.Background(), "ord-missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPaymentRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := Payment{ID: "pay-1", OrderID: "ord-1", Amount: 25.0, Currency: "USD", Status: PaymentCompleted, Reason: "mock-ref"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WithArgs(p.ID, p.OrderID, p.Amount, p.Currency, p.Status, p.Reason).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewPaymentRepository(db)
	require.NoError(t, repo.Create(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_RefundExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM refunds WHERE payment_id = $1)")).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewPaymentRepository(db)
	exists, err := repo.RefundExists(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPaymentRepository_CreateRefund(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refunds")).
		WithArgs("pay-1", "ord-1", 25.0, "USD").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET status")).
		WithArgs(string(PaymentRefunded), "pay-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewPaymentRepository(db)
	require.NoError(t, repo.CreateRefund(context.Background(), "pay-1", "ord-1", 25.0, "USD"))
	require.NoError(t, mock.ExpectationsWereMet())
}
