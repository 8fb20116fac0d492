package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageConsumer is the subset of broker.Consumer the payment worker needs
type MessageConsumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// EventDeduper remembers webhook event ids that were already handled
type EventDeduper interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// PaymentHandler is the orchestrator's webhook surface
type PaymentHandler interface {
	HandlePaymentSuccess(ctx context.Context, orderID int64, payment models.PaymentData) error
	HandlePaymentFailure(ctx context.Context, orderID int64, payment models.PaymentData) error
	HandlePaymentRefund(ctx context.Context, orderID int64, refund models.RefundData) error
}

// PaymentEventWorker consumes verified payment webhooks and drives the saga
type PaymentEventWorker struct {
	consumer     MessageConsumer
	deduper      EventDeduper
	dedupeTTL    time.Duration
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentEventWorker creates a new payment event worker. deduper may be nil; the
// orchestrator's own guards still make redelivery safe.
func NewPaymentEventWorker(
	consumer MessageConsumer,
	deduper EventDeduper,
	dedupeTTL time.Duration,
	payments PaymentHandler,
) *PaymentEventWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.On(models.EventTypePaymentSucceeded, func(ctx context.Context, event *models.WebhookEvent) error {
		data, err := decodePayment(event)
		if err != nil {
			return err
		}
		return payments.HandlePaymentSuccess(ctx, event.OrderID, data)
	})
	eventHandler.On(models.EventTypePaymentFailed, func(ctx context.Context, event *models.WebhookEvent) error {
		data, err := decodePayment(event)
		if err != nil {
			return err
		}
		return payments.HandlePaymentFailure(ctx, event.OrderID, data)
	})
	eventHandler.On(models.EventTypePaymentRefunded, func(ctx context.Context, event *models.WebhookEvent) error {
		var data models.RefundData
		if err := decodeData(event, &data); err != nil {
			return err
		}
		data.Raw = event.Data
		return payments.HandlePaymentRefund(ctx, event.OrderID, data)
	})

	return &PaymentEventWorker{
		consumer:     consumer,
		deduper:      deduper,
		dedupeTTL:    dedupeTTL,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *PaymentEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment event worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *PaymentEventWorker) Stop() error {
	w.logger.Info("Stopping payment event worker")
	return w.consumer.Close()
}

// HandleMessage processes one webhook message. Errors that no redelivery can fix are
// wrapped with broker.ErrDiscard; anything else is returned so the message is retried.
func (w *PaymentEventWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	event, err := broker.Decode(msg)
	if err != nil {
		util.PaymentWebhooksTotal.WithLabelValues("unknown", "malformed").Inc()
		return err
	}

	logger := w.logger.With(
		zap.String("event_id", event.EventID),
		zap.String("type", event.EventType),
		zap.Int64("order_id", event.OrderID))

	if w.deduper != nil && event.EventID != "" {
		processed, err := w.deduper.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			logger.Warn("Dedupe check failed, handling event anyway", zap.Error(err))
		} else if processed {
			logger.Info("Event already processed, skipping")
			util.PaymentWebhooksTotal.WithLabelValues(event.EventType, "duplicate").Inc()
			return nil
		}
	}

	if err := w.eventHandler.Handle(ctx, event); err != nil {
		if isPermanent(err) {
			util.PaymentWebhooksTotal.WithLabelValues(event.EventType, "rejected").Inc()
			return fmt.Errorf("%w: %v", broker.ErrDiscard, err)
		}
		logger.Error("Failed to handle payment event", zap.Error(err))
		return err
	}

	if w.deduper != nil && event.EventID != "" {
		if err := w.deduper.MarkEventProcessed(ctx, event.EventID, w.dedupeTTL); err != nil {
			logger.Warn("Failed to mark event processed", zap.Error(err))
		}
	}

	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, broker.ErrDiscard) ||
		errors.Is(err, models.ErrOrderNotFound) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrPaymentNotFound)
}

func decodePayment(event *models.WebhookEvent) (models.PaymentData, error) {
	var data models.PaymentData
	if err := decodeData(event, &data); err != nil {
		return data, err
	}
	data.Raw = event.Data
	return data, nil
}

func decodeData(event *models.WebhookEvent, out any) error {
	if len(event.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(event.Data, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal %s payload: %v", broker.ErrDiscard, event.EventType, err)
	}
	return nil
}
