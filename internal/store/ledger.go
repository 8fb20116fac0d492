package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type lockedOrder struct {
	CustomerID    int64                `db:"customer_id"`
	Currency      string               `db:"currency"`
	TotalAmount   int64                `db:"total_amount"`
	Status        models.OrderStatus   `db:"status"`
	PaymentStatus models.PaymentStatus `db:"payment_status"`
}

type lockedItem struct {
	OrderID    int64             `db:"order_id"`
	CustomerID int64             `db:"customer_id"`
	Status     models.ItemStatus `db:"status"`
}

func lockOrder(ctx context.Context, tx *sqlx.Tx, orderID int64) (*lockedOrder, error) {
	var o lockedOrder
	err := tx.GetContext(ctx, &o,
		"SELECT customer_id, currency, total_amount, status, payment_status FROM orders WHERE id = $1 FOR UPDATE",
		orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &o, nil
}

// BeginProcessing moves a paid order from pending_payment to processing and records the
// completed payment in the same transaction. Any other starting status yields ErrAlreadyProcessed.
func (s *Store) BeginProcessing(ctx context.Context, orderID int64, payment models.PaymentData) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPendingPayment {
			return fmt.Errorf("%w: order %d is %s", models.ErrAlreadyProcessed, orderID, order.Status)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1, payment_status = $2, payment_reference = $3, paid_at = NOW(), updated_at = NOW()
			WHERE id = $4`,
			models.OrderStatusProcessing, models.PaymentStatusCompleted, nullString(payment.GatewayReference), orderID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		amount, currency := paymentAmount(order, payment)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (order_id, amount, currency, status, gateway, gateway_reference, gateway_payload, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			orderID, amount, currency, models.PaymentStatusCompleted, payment.Gateway,
			nullString(payment.GatewayReference), jsonArg(payment.Raw))
		if err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}

		return nil
	})
}

// StartItems marks items as in flight. Completed items are never moved back.
func (s *Store) StartItems(ctx context.Context, orderID int64, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE order_items SET status = $1, updated_at = NOW()
		WHERE order_id = $2 AND id = ANY($3) AND status <> $4`,
		models.ItemStatusProcessing, orderID, pq.Array(itemIDs), models.ItemStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to start items: %w", err)
	}
	return nil
}

// MarkItem records one dispatch outcome. A completed outcome inserts the provisioned
// resource and links it to the item; a failed one increments the retry count.
// Marking an item that is already completed is a no-op.
func (s *Store) MarkItem(ctx context.Context, itemID int64, outcome models.ItemOutcome) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var item lockedItem
		err := tx.GetContext(ctx, &item, `
			SELECT i.order_id, o.customer_id, i.status
			FROM order_items i JOIN orders o ON o.id = i.order_id
			WHERE i.id = $1 FOR UPDATE OF i`, itemID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", models.ErrItemNotFound, itemID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order item: %w", err)
		}

		if item.Status == models.ItemStatusCompleted {
			return nil
		}

		switch outcome.Status {
		case models.ItemStatusCompleted:
			return completeItem(ctx, tx, itemID, item.CustomerID, outcome)
		case models.ItemStatusFailed:
			_, err = tx.ExecContext(ctx, `
				UPDATE order_items
				SET status = $1, retry_count = retry_count + 1, last_error = $2, last_error_kind = $3, updated_at = NOW()
				WHERE id = $4`,
				models.ItemStatusFailed, outcome.ErrorMessage, nullString(outcome.ErrorKind), itemID)
			if err != nil {
				return fmt.Errorf("failed to mark item failed: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("%w: item outcome %q", models.ErrInvalidTransition, outcome.Status)
		}
	})
}

func completeItem(ctx context.Context, tx *sqlx.Tx, itemID, customerID int64, outcome models.ItemOutcome) error {
	var domainID, hostingID, securityID *int64
	var err error

	if outcome.Domain != nil {
		if domainID, err = insertDomain(ctx, tx, customerID, outcome.Domain); err != nil {
			return err
		}
	}
	if outcome.Hosting != nil {
		if hostingID, err = insertHosting(ctx, tx, customerID, outcome.Hosting); err != nil {
			return err
		}
	}
	if outcome.Security != nil {
		if securityID, err = insertSecurity(ctx, tx, customerID, outcome.Security); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE order_items
		SET status = $1, external_reference = $2, fulfilled_at = NOW(),
		    last_error = NULL, last_error_kind = NULL,
		    domain_id = COALESCE($3, domain_id),
		    hosting_account_id = COALESCE($4, hosting_account_id),
		    security_account_id = COALESCE($5, security_account_id),
		    updated_at = NOW()
		WHERE id = $6`,
		models.ItemStatusCompleted, nullString(outcome.ExternalReference), domainID, hostingID, securityID, itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}
	return nil
}

// Finalize derives the order status from its items and commits it. While items are
// still in flight the order is left untouched and its current status returned.
func (s *Store) Finalize(ctx context.Context, orderID int64) (models.OrderStatus, error) {
	var final models.OrderStatus

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		items, err := selectItems(ctx, tx, orderID)
		if err != nil {
			return err
		}

		next := models.DeriveOrderStatus(items)
		if next == models.OrderStatusProcessing {
			final = order.Status
			return nil
		}
		if !models.CanTransition(order.Status, next) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, next)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1, completed_at = CASE WHEN $2 THEN NOW() ELSE completed_at END, updated_at = NOW()
			WHERE id = $3`,
			next, next == models.OrderStatusCompleted, orderID)
		if err != nil {
			return fmt.Errorf("failed to finalize order: %w", err)
		}

		final = next
		return nil
	})

	return final, err
}

// RecordPaymentFailure fails an unpaid order and appends a failed payment row.
// Orders that already left pending_payment yield ErrAlreadyProcessed and are not touched.
func (s *Store) RecordPaymentFailure(ctx context.Context, orderID int64, payment models.PaymentData) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPendingPayment {
			return fmt.Errorf("%w: order %d is %s", models.ErrAlreadyProcessed, orderID, order.Status)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
			models.OrderStatusFailed, models.PaymentStatusFailed, orderID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		amount, currency := paymentAmount(order, payment)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (order_id, amount, currency, status, gateway, gateway_reference, gateway_payload, failure_reason, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
			orderID, amount, currency, models.PaymentStatusFailed, payment.Gateway,
			nullString(payment.GatewayReference), jsonArg(payment.Raw), nullString(payment.FailureMessage))
		if err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}

		return nil
	})
}

// RecordRefund marks the order and its completed payment refunded. Items and
// provisioned resources are left as they are.
func (s *Store) RecordRefund(ctx context.Context, orderID int64, refund models.RefundData) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusRefunded {
			return fmt.Errorf("%w: order %d already refunded", models.ErrAlreadyProcessed, orderID)
		}
		if !models.CanTransition(order.Status, models.OrderStatusRefunded) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.OrderStatusRefunded)
		}

		var payment struct {
			ID     int64 `db:"id"`
			Amount int64 `db:"amount"`
		}
		err = tx.GetContext(ctx, &payment, `
			SELECT id, amount FROM payments
			WHERE order_id = $1 AND status = $2
			ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE`,
			orderID, models.PaymentStatusCompleted)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no completed payment for order %d", models.ErrPaymentNotFound, orderID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}

		amount := refund.Amount
		if amount <= 0 {
			amount = payment.Amount
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payments
			SET status = $1, refunded_at = NOW(), refunded_amount = $2, refund_reason = $3
			WHERE id = $4`,
			models.PaymentStatusRefunded, amount, nullString(refund.Reason), payment.ID)
		if err != nil {
			return fmt.Errorf("failed to refund payment: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
			models.OrderStatusRefunded, models.PaymentStatusRefunded, orderID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		return nil
	})
}

// ResetItem clears the retry count of a failed item so the retry sweep picks it up again.
func (s *Store) ResetItem(ctx context.Context, itemID int64) (*models.OrderItem, error) {
	var item models.OrderItem
	err := s.db.GetContext(ctx, &item, `
		UPDATE order_items SET retry_count = 0, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+itemColumns,
		itemID, models.ItemStatusFailed)
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to reset item: %w", err)
	}

	var status models.ItemStatus
	err = s.db.GetContext(ctx, &status, "SELECT status FROM order_items WHERE id = $1", itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return nil, fmt.Errorf("%w: item %d is %s, only failed items can be reset", models.ErrInvalidTransition, itemID, status)
}

func paymentAmount(order *lockedOrder, payment models.PaymentData) (int64, string) {
	amount, currency := payment.Amount, payment.Currency
	if amount <= 0 {
		amount = order.TotalAmount
	}
	if currency == "" {
		currency = order.Currency
	}
	return amount, currency
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonArg(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
