package models

import "errors"

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrItemNotFound        = errors.New("order item not found")
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrOrderBusy           = errors.New("order is locked by another fulfillment run")
	ErrNothingToRetry      = errors.New("no retryable items")
	ErrInvalidRefundAmount = errors.New("invalid refund amount")
)

// DefaultMaxItemRetries is the saga-level ceiling on failed attempts per item.
const DefaultMaxItemRetries = 3

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPendingPayment: {OrderStatusProcessing: true, OrderStatusFailed: true},
	OrderStatusProcessing: {
		OrderStatusCompleted:      true,
		OrderStatusPartialFailure: true,
		OrderStatusFailed:         true,
	},
	OrderStatusPartialFailure: {
		OrderStatusCompleted:      true,
		OrderStatusPartialFailure: true,
		OrderStatusFailed:         true,
		OrderStatusRefunded:       true,
	},
	OrderStatusFailed: {
		OrderStatusCompleted:      true,
		OrderStatusPartialFailure: true,
		OrderStatusFailed:         true,
	},
	OrderStatusCompleted: {OrderStatusRefunded: true},
	OrderStatusRefunded:  {},
}

// CanTransition reports whether an order may move from one status to another.
// Re-finalizing a partial_failure or failed order after a retry is allowed.
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// DeriveOrderStatus folds item statuses into the order-level outcome.
// Items still pending or processing keep the order in processing.
func DeriveOrderStatus(items []OrderItem) OrderStatus {
	var completed, failed int
	for _, item := range items {
		switch item.Status {
		case ItemStatusCompleted:
			completed++
		case ItemStatusFailed:
			failed++
		default:
			return OrderStatusProcessing
		}
	}

	switch {
	case failed == 0:
		return OrderStatusCompleted
	case completed == 0:
		return OrderStatusFailed
	default:
		return OrderStatusPartialFailure
	}
}

// IsRetryable reports whether the saga may dispatch a failed item again.
func (i OrderItem) IsRetryable(maxRetries int) bool {
	return i.Status == ItemStatusFailed && i.RetryCount < maxRetries
}

// IsFinal reports whether the order has reached a fulfillment outcome.
func (o Order) IsFinal() bool {
	switch o.Status {
	case OrderStatusCompleted, OrderStatusPartialFailure, OrderStatusFailed, OrderStatusRefunded:
		return true
	default:
		return false
	}
}
