package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const (
	orderColumns = `id, order_number, customer_id, currency, total_amount, status, payment_status,
		payment_reference, placed_at, paid_at, completed_at, updated_at`

	itemColumns = `id, order_id, position, kind, configuration, term_months, status, retry_count,
		last_error, last_error_kind, external_reference, domain_id, hosting_account_id,
		security_account_id, fulfilled_at, updated_at`

	paymentColumns = `id, order_id, amount, currency, status, gateway, gateway_reference, gateway_payload,
		failure_reason, processed_at, failed_at, refunded_at, refunded_amount, refund_reason, created_at`

	customerColumns = `id, email, first_name, last_name, company_name, phone, address1, city, state,
		postal_code, country_code`
)

// GetOrder retrieves an order with its items in line order
func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get order: %w", err)
	}

	items, err := selectItems(ctx, s.db, orderID)
	if err != nil {
		return nil, nil, err
	}

	return &order, items, nil
}

// GetCustomer retrieves the customer used to build registrant contacts
func (s *Store) GetCustomer(ctx context.Context, customerID int64) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.GetContext(ctx, &customer, "SELECT "+customerColumns+" FROM customers WHERE id = $1", customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrCustomerNotFound, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return &customer, nil
}

// GetPayments retrieves all payment rows for an order, oldest first
func (s *Store) GetPayments(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at, id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}
	return payments, nil
}

// ListRetryableOrders returns paid orders that still have failed items under the retry ceiling
func (s *Store) ListRetryableOrders(ctx context.Context, maxRetries, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT o.id FROM orders o
		JOIN order_items i ON i.order_id = o.id
		WHERE o.status IN ($1, $2) AND o.payment_status = $3
		  AND i.status = $4 AND i.retry_count < $5
		ORDER BY o.id
		LIMIT $6`,
		models.OrderStatusPartialFailure, models.OrderStatusFailed, models.PaymentStatusCompleted,
		models.ItemStatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable orders: %w", err)
	}
	return ids, nil
}

// ListStalledOrders returns orders left in processing since before the cutoff
func (s *Store) ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM orders WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3",
		models.OrderStatusProcessing, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled orders: %w", err)
	}
	return ids, nil
}

// InsertAuditLog appends one audit trail row
func (s *Store) InsertAuditLog(ctx context.Context, entry *models.AuditLog) error {
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (customer_id, action, entity_type, entity_id, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	row := s.db.QueryRowxContext(ctx, query,
		entry.CustomerID, entry.Action, entry.EntityType, entry.EntityID, entry.Description, string(metadata))
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

func selectItems(ctx context.Context, q sqlx.QueryerContext, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, q, &items,
		"SELECT "+itemColumns+" FROM order_items WHERE order_id = $1 ORDER BY position, id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return items, nil
}
