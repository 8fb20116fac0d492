// Package audit delivers fulfillment events to operators and downstream consumers.
// Emit never fails the caller; delivery problems are logged and counted.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives structured fulfillment events.
type Sink interface {
	Emit(ctx context.Context, kind models.AuditKind, orderID int64, details map[string]any)
}

// AuditLogWriter is the part of the ledger the LedgerSink writes through.
type AuditLogWriter interface {
	InsertAuditLog(ctx context.Context, entry *models.AuditLog) error
}

// EventPublisher is the part of the broker the KafkaSink publishes through.
type EventPublisher interface {
	PublishFulfillmentEvent(ctx context.Context, event *models.FulfillmentEvent) error
}

var descriptions = map[models.AuditKind]string{
	models.AuditPaymentSuccess: "Payment confirmed, provisioning started",
	models.AuditOrderCompleted: "All order items provisioned",
	models.AuditItemsFailed:    "One or more order items failed to provision",
	models.AuditPaymentFailed:  "Payment failed",
	models.AuditOrderRefunded:  "Order refunded",
	models.AuditOperatorAlert:  "Operator attention required",
}

// emitTimeout bounds a single delivery so a slow sink cannot stall the saga.
const emitTimeout = 5 * time.Second

// LedgerSink writes events to the audit_logs table.
type LedgerSink struct {
	writer AuditLogWriter
}

func NewLedgerSink(writer AuditLogWriter) *LedgerSink {
	return &LedgerSink{writer: writer}
}

func (s *LedgerSink) Emit(ctx context.Context, kind models.AuditKind, orderID int64, details map[string]any) {
	metadata, err := json.Marshal(details)
	if err != nil {
		metadata = []byte("{}")
	}

	entry := &models.AuditLog{
		Action:      string(kind),
		EntityType:  "order",
		EntityID:    strconv.FormatInt(orderID, 10),
		Description: describe(kind),
		Metadata:    metadata,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()

	if err := s.writer.InsertAuditLog(ctx, entry); err != nil {
		reportFailure("ledger", kind, orderID, err)
	}
}

// KafkaSink publishes events to the fulfillment topic for mailers and alerting.
type KafkaSink struct {
	publisher EventPublisher
	now       func() time.Time
}

func NewKafkaSink(publisher EventPublisher) *KafkaSink {
	return &KafkaSink{publisher: publisher, now: time.Now}
}

func (s *KafkaSink) Emit(ctx context.Context, kind models.AuditKind, orderID int64, details map[string]any) {
	event := &models.FulfillmentEvent{
		EventID:   uuid.NewString(),
		Kind:      kind,
		OrderID:   orderID,
		Details:   details,
		Timestamp: s.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()

	if err := s.publisher.PublishFulfillmentEvent(ctx, event); err != nil {
		reportFailure("kafka", kind, orderID, err)
	}
}

// LogSink writes events to the process logger; operator alerts are logged at error level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, kind models.AuditKind, orderID int64, details map[string]any) {
	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.Int64("order_id", orderID),
		zap.Any("details", details),
	}

	switch kind {
	case models.AuditOperatorAlert:
		reason, _ := details["reason"].(string)
		util.OperatorAlertsTotal.WithLabelValues(reason).Inc()
		s.logger.Error("Operator alert", fields...)
	case models.AuditItemsFailed, models.AuditPaymentFailed:
		s.logger.Warn("Fulfillment event", fields...)
	default:
		s.logger.Info("Fulfillment event", fields...)
	}
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, kind models.AuditKind, orderID int64, details map[string]any) {
	for _, s := range m {
		s.Emit(ctx, kind, orderID, details)
	}
}

func describe(kind models.AuditKind) string {
	if d, ok := descriptions[kind]; ok {
		return d
	}
	return fmt.Sprintf("Fulfillment event %s", kind)
}

func reportFailure(sink string, kind models.AuditKind, orderID int64, err error) {
	util.AuditEmitFailuresTotal.WithLabelValues(sink).Inc()
	util.GetLogger().Error("Failed to emit audit event",
		zap.String("sink", sink),
		zap.String("kind", string(kind)),
		zap.Int64("order_id", orderID),
		zap.Error(err))
}
