package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"
)

// OrderView is the customer-facing status of an order. Item error text stays internal.
type OrderView struct {
	ID            int64                `json:"id"`
	OrderNumber   string               `json:"order_number"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	TotalAmount   int64                `json:"total_amount"`
	Currency      string               `json:"currency"`
	PlacedAt      time.Time            `json:"placed_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	Items         []ItemView           `json:"items"`
}

// ItemView is one line of an OrderView
type ItemView struct {
	ID                int64             `json:"id"`
	Kind              models.ItemKind   `json:"kind"`
	Status            models.ItemStatus `json:"status"`
	ExternalReference string            `json:"external_reference,omitempty"`
	FulfilledAt       *time.Time        `json:"fulfilled_at,omitempty"`
}

// OrderDetail is the operator view: the order with its items and failure reasons.
type OrderDetail struct {
	Order       *models.Order       `json:"order"`
	Items       []models.OrderItem  `json:"items"`
	FailedItems []models.FailedItem `json:"failed_items,omitempty"`
	MaxRetries  int                 `json:"max_retries"`
	CanRetry    bool                `json:"can_retry"`
}

// GetOrderView loads the customer-facing view of an order
func (so *SagaOrchestrator) GetOrderView(ctx context.Context, orderID int64) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.GetOrderView", orderID)
	defer span.End()

	order, items, err := so.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	view := &OrderView{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
		PlacedAt:      order.PlacedAt,
		CompletedAt:   order.CompletedAt,
		Items:         make([]ItemView, 0, len(items)),
	}
	for _, item := range items {
		view.Items = append(view.Items, ItemView{
			ID:                item.ID,
			Kind:              item.Kind,
			Status:            item.Status,
			ExternalReference: deref(item.ExternalReference),
			FulfilledAt:       item.FulfilledAt,
		})
	}

	return view, nil
}

// GetOrderDetail loads the operator view of an order
func (so *SagaOrchestrator) GetOrderDetail(ctx context.Context, orderID int64) (*OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.GetOrderDetail", orderID)
	defer span.End()

	order, items, err := so.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	canRetry := false
	if order.PaymentStatus == models.PaymentStatusCompleted &&
		(order.Status == models.OrderStatusPartialFailure || order.Status == models.OrderStatusFailed) {
		for _, item := range items {
			if item.IsRetryable(so.settings.MaxItemRetries) {
				canRetry = true
				break
			}
		}
	}

	return &OrderDetail{
		Order:       order,
		Items:       items,
		FailedItems: failedItems(items),
		MaxRetries:  so.settings.MaxItemRetries,
		CanRetry:    canRetry,
	}, nil
}
