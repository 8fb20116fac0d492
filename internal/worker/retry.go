package worker

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Sweeper is the orchestrator's cron surface
type Sweeper interface {
	RetryableOrders(ctx context.Context, limit int) ([]int64, error)
	StalledOrders(ctx context.Context, limit int) ([]int64, error)
	RetryFailedItems(ctx context.Context, orderID int64) (models.OrderStatus, error)
	ResumeOrder(ctx context.Context, orderID int64) (models.OrderStatus, error)
}

// RetryWorker periodically retries failed items and resumes orders stuck in processing
type RetryWorker struct {
	sweeper   Sweeper
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(sweeper Sweeper, interval time.Duration, batchSize int) *RetryWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &RetryWorker{
		sweeper:   sweeper,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start runs a sweep every interval until ctx is cancelled
func (w *RetryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting retry worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping retry worker")
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and reports how many orders were retried and resumed
func (w *RetryWorker) Sweep(ctx context.Context) (retried, resumed int) {
	stalled, err := w.sweeper.StalledOrders(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("Failed to list stalled orders", zap.Error(err))
	}
	for _, orderID := range stalled {
		if w.visit(ctx, orderID, "resume", w.sweeper.ResumeOrder) {
			resumed++
		}
	}

	retryable, err := w.sweeper.RetryableOrders(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("Failed to list retryable orders", zap.Error(err))
	}
	for _, orderID := range retryable {
		if w.visit(ctx, orderID, "retry", w.sweeper.RetryFailedItems) {
			retried++
		}
	}

	if retried+resumed > 0 {
		w.logger.Info("Retry sweep finished", zap.Int("retried", retried), zap.Int("resumed", resumed))
	}
	return retried, resumed
}

func (w *RetryWorker) visit(
	ctx context.Context,
	orderID int64,
	op string,
	fn func(context.Context, int64) (models.OrderStatus, error),
) bool {
	if ctx.Err() != nil {
		return false
	}

	status, err := fn(ctx, orderID)
	switch {
	case err == nil:
		w.logger.Info("Sweep handled order",
			zap.String("op", op),
			zap.Int64("order_id", orderID),
			zap.String("status", string(status)))
		return true
	case errors.Is(err, models.ErrOrderBusy), errors.Is(err, models.ErrNothingToRetry):
		w.logger.Debug("Sweep skipped order", zap.String("op", op), zap.Int64("order_id", orderID), zap.Error(err))
	default:
		w.logger.Error("Sweep failed for order", zap.String("op", op), zap.Int64("order_id", orderID), zap.Error(err))
	}
	return false
}
