package models

import (
	"encoding/json"
	"time"
)

// Payment webhook event types
const (
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentRefunded  = "payment.refunded"
)

// AuditKind names an event sent to the audit/notification sink.
type AuditKind string

const (
	AuditPaymentSuccess AuditKind = "order.payment_success"
	AuditOrderCompleted AuditKind = "order.completed"
	AuditItemsFailed    AuditKind = "order.items_failed"
	AuditPaymentFailed  AuditKind = "order.payment_failed"
	AuditOrderRefunded  AuditKind = "order.refunded"
	AuditOperatorAlert  AuditKind = "operator.alert"
)

// WebhookEvent is a payment gateway notification as carried on the webhook topic
type WebhookEvent struct {
	EventID    string          `json:"id"`
	EventType  string          `json:"type"`
	OrderID    int64           `json:"order_id"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// FulfillmentEvent is published for downstream mailers and alerting
type FulfillmentEvent struct {
	EventID   string         `json:"event_id"`
	Kind      AuditKind      `json:"kind"`
	OrderID   int64          `json:"order_id"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FailedItem summarizes one failed item for operator visibility
type FailedItem struct {
	ItemID    int64    `json:"item_id"`
	Kind      ItemKind `json:"kind"`
	ErrorKind string   `json:"error_kind"`
	Error     string   `json:"error"`
}
