package store

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func lockedOrderRows(status models.OrderStatus, payment models.PaymentStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"customer_id", "currency", "total_amount", "status", "payment_status"}).
		AddRow(int64(7), "USD", int64(4500), string(status), string(payment))
}

var itemRowColumns = []string{
	"id", "order_id", "position", "kind", "configuration", "term_months", "status", "retry_count",
	"last_error", "last_error_kind", "external_reference", "domain_id", "hosting_account_id",
	"security_account_id", "fulfilled_at", "updated_at",
}

func itemRows(statuses ...models.ItemStatus) *sqlmock.Rows {
	rows := sqlmock.NewRows(itemRowColumns)
	for i, st := range statuses {
		rows.AddRow(int64(i+1), int64(1001), i, "domain_registration", []byte(`{"domain":"acme.com"}`), 12,
			string(st), 0, nil, nil, nil, nil, nil, nil, nil, time.Now())
	}
	return rows
}

const lockOrderSQL = `SELECT customer_id, currency, total_amount, status, payment_status FROM orders WHERE id = \$1 FOR UPDATE`

func TestBeginProcessing(t *testing.T) {
	t.Run("moves pending order to processing and records payment", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
			WillReturnRows(lockedOrderRows(models.OrderStatusPendingPayment, models.PaymentStatusPending))
		mock.ExpectExec(`UPDATE orders\s+SET status = \$1, payment_status = \$2`).
			WithArgs(models.OrderStatusProcessing, models.PaymentStatusCompleted, "pay_123", int64(1001)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO payments`).
			WithArgs(int64(1001), int64(4500), "USD", models.PaymentStatusCompleted, "swipesblue", "pay_123", "{}").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := s.BeginProcessing(context.Background(), 1001, models.PaymentData{Gateway: "swipesblue", GatewayReference: "pay_123"})

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second delivery observes processing and does nothing", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
			WillReturnRows(lockedOrderRows(models.OrderStatusProcessing, models.PaymentStatusCompleted))
		mock.ExpectRollback()

		err := s.BeginProcessing(context.Background(), 1001, models.PaymentData{})

		assert.ErrorIs(t, err, models.ErrAlreadyProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkItem(t *testing.T) {
	const lockItemSQL = `SELECT i.order_id, o.customer_id, i.status\s+FROM order_items i JOIN orders o`

	lockRows := func(status models.ItemStatus) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"order_id", "customer_id", "status"}).AddRow(int64(1001), int64(7), string(status))
	}

	t.Run("failure increments retry count and keeps error text", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockItemSQL).WithArgs(int64(2)).WillReturnRows(lockRows(models.ItemStatusProcessing))
		mock.ExpectExec(`retry_count = retry_count \+ 1`).
			WithArgs(models.ItemStatusFailed, "provision: timeout after 3 attempts", "timeout", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := s.MarkItem(context.Background(), 2, models.Failed("timeout", "provision: timeout after 3 attempts"))

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completion inserts the domain and links it", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockItemSQL).WithArgs(int64(1)).WillReturnRows(lockRows(models.ItemStatusProcessing))
		mock.ExpectQuery(`INSERT INTO domains`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(55)))
		mock.ExpectExec(`UPDATE order_items\s+SET status = \$1, external_reference = \$2`).
			WithArgs(models.ItemStatusCompleted, "D-1", int64(55), nil, nil, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome := models.Succeeded("D-1")
		outcome.Domain = &models.DomainRecord{DomainName: "acme.com", TLD: "com", Status: "active", RegistrarID: "D-1"}

		err := s.MarkItem(context.Background(), 1, outcome)

		require.NoError(t, err)
		assert.Equal(t, int64(55), outcome.Domain.ID)
		assert.Equal(t, int64(7), outcome.Domain.CustomerID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed item is left alone", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockItemSQL).WithArgs(int64(1)).WillReturnRows(lockRows(models.ItemStatusCompleted))
		mock.ExpectCommit()

		err := s.MarkItem(context.Background(), 1, models.Failed("server_error", "boom"))

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFinalize(t *testing.T) {
	t.Run("mixed outcomes become partial failure", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
			WillReturnRows(lockedOrderRows(models.OrderStatusProcessing, models.PaymentStatusCompleted))
		mock.ExpectQuery(`FROM order_items WHERE order_id = \$1`).WithArgs(int64(1001)).
			WillReturnRows(itemRows(models.ItemStatusCompleted, models.ItemStatusFailed))
		mock.ExpectExec(`UPDATE orders\s+SET status = \$1, completed_at`).
			WithArgs(models.OrderStatusPartialFailure, false, int64(1001)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		status, err := s.Finalize(context.Background(), 1001)

		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPartialFailure, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all completed sets completion timestamp", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
			WillReturnRows(lockedOrderRows(models.OrderStatusPartialFailure, models.PaymentStatusCompleted))
		mock.ExpectQuery(`FROM order_items WHERE order_id = \$1`).WithArgs(int64(1001)).
			WillReturnRows(itemRows(models.ItemStatusCompleted, models.ItemStatusCompleted))
		mock.ExpectExec(`UPDATE orders\s+SET status = \$1, completed_at`).
			WithArgs(models.OrderStatusCompleted, true, int64(1001)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		status, err := s.Finalize(context.Background(), 1001)

		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCompleted, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("items in flight leave the order untouched", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
			WillReturnRows(lockedOrderRows(models.OrderStatusProcessing, models.PaymentStatusCompleted))
		mock.ExpectQuery(`FROM order_items WHERE order_id = \$1`).WithArgs(int64(1001)).
			WillReturnRows(itemRows(models.ItemStatusCompleted, models.ItemStatusProcessing))
		mock.ExpectCommit()

		status, err := s.Finalize(context.Background(), 1001)

		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusProcessing, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refunded order cannot be re-finalized", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
			WillReturnRows(lockedOrderRows(models.OrderStatusRefunded, models.PaymentStatusRefunded))
		mock.ExpectQuery(`FROM order_items WHERE order_id = \$1`).WithArgs(int64(1001)).
			WillReturnRows(itemRows(models.ItemStatusCompleted))
		mock.ExpectRollback()

		_, err := s.Finalize(context.Background(), 1001)

		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecordRefund(t *testing.T) {
	t.Run("refunds completed payment in place", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
			WillReturnRows(lockedOrderRows(models.OrderStatusCompleted, models.PaymentStatusCompleted))
		mock.ExpectQuery(`SELECT id, amount FROM payments`).WithArgs(int64(1001), models.PaymentStatusCompleted).
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).AddRow(int64(9), int64(4500)))
		mock.ExpectExec(`UPDATE payments\s+SET status = \$1, refunded_at = NOW\(\)`).
			WithArgs(models.PaymentStatusRefunded, int64(4500), "customer request", int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE orders SET status = \$1, payment_status = \$2`).
			WithArgs(models.OrderStatusRefunded, models.PaymentStatusRefunded, int64(1001)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := s.RecordRefund(context.Background(), 1001, models.RefundData{Reason: "customer request"})

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("processing order cannot be refunded", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
			WillReturnRows(lockedOrderRows(models.OrderStatusProcessing, models.PaymentStatusCompleted))
		mock.ExpectRollback()

		err := s.RecordRefund(context.Background(), 1001, models.RefundData{})

		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecordPaymentFailure_OnlyFromPendingPayment(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderSQL).WithArgs(int64(1001)).
		WillReturnRows(lockedOrderRows(models.OrderStatusCompleted, models.PaymentStatusCompleted))
	mock.ExpectRollback()

	err := s.RecordPaymentFailure(context.Background(), 1001, models.PaymentData{FailureMessage: "card declined"})

	assert.ErrorIs(t, err, models.ErrAlreadyProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetItem_RejectsItemThatIsNotFailed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE order_items SET retry_count = 0`).WithArgs(int64(3), models.ItemStatusFailed).
		WillReturnRows(sqlmock.NewRows(itemRowColumns))
	mock.ExpectQuery(`SELECT status FROM order_items WHERE id = \$1`).WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	_, err := s.ResetItem(context.Background(), 3)

	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM orders WHERE id = \$1`).WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, _, err := s.GetOrder(context.Background(), 404)

	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}
