package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OrderKey partitions every event of one order onto the same partition.
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// EventPublisher handles publishing webhook and fulfillment events
type EventPublisher struct {
	webhooks    *Producer
	fulfillment *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(webhooks, fulfillment *Producer) *EventPublisher {
	return &EventPublisher{webhooks: webhooks, fulfillment: fulfillment}
}

// PublishWebhookEvent queues a verified gateway notification for the payment worker
func (ep *EventPublisher) PublishWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return ep.webhooks.PublishEvent(ctx, OrderKey(event.OrderID), event)
}

// PublishFulfillmentEvent publishes an audit event for mailers and alerting
func (ep *EventPublisher) PublishFulfillmentEvent(ctx context.Context, event *models.FulfillmentEvent) error {
	return ep.fulfillment.PublishEvent(ctx, OrderKey(event.OrderID), event)
}

// WebhookHandlerFunc handles one payment webhook event
type WebhookHandlerFunc func(context.Context, *models.WebhookEvent) error

// EventHandler routes webhook events by type
type EventHandler struct {
	handlers map[string]WebhookHandlerFunc
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{handlers: make(map[string]WebhookHandlerFunc)}
}

// On registers the handler for one event type
func (eh *EventHandler) On(eventType string, handler WebhookHandlerFunc) {
	eh.handlers[eventType] = handler
}

// Decode parses a webhook event message
func Decode(msg kafka.Message) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal webhook event: %v", ErrDiscard, err)
	}
	if event.OrderID <= 0 {
		return nil, fmt.Errorf("%w: webhook event %s has no order id", ErrDiscard, event.EventID)
	}
	return &event, nil
}

// Handle routes an event to its registered handler; unknown types are ignored.
func (eh *EventHandler) Handle(ctx context.Context, event *models.WebhookEvent) error {
	handler, ok := eh.handlers[event.EventType]
	if !ok {
		util.GetLogger().Info("Unhandled event type",
			zap.String("type", event.EventType),
			zap.String("event_id", event.EventID))
		return nil
	}
	return handler(ctx, event)
}
