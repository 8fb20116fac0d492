package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/audit"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/resilient"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SagaOrchestrator drives paid orders through per-item provisioning and keeps the
// ledger's order, item and payment state consistent under partial failure.
type SagaOrchestrator struct {
	ledger     Ledger
	dispatcher *Dispatcher
	gateway    provider.PaymentGateway
	client     *resilient.Client
	sink       audit.Sink
	locker     Locker
	settings   Settings
	logger     *zap.Logger
	now        func() time.Time
}

// NewSagaOrchestrator creates a new saga orchestrator. locker may be nil, in which case
// runs are serialized only within this process.
func NewSagaOrchestrator(
	ledger Ledger,
	providers Providers,
	client *resilient.Client,
	sink audit.Sink,
	locker Locker,
	settings Settings,
) *SagaOrchestrator {
	settings = settings.withDefaults()
	if locker == nil {
		locker = newLocalLocker()
	}

	return &SagaOrchestrator{
		ledger:     ledger,
		dispatcher: NewDispatcher(providers, client, settings),
		gateway:    providers.Payment,
		client:     client,
		sink:       sink,
		locker:     locker,
		settings:   settings,
		logger:     util.GetLogger(),
		now:        time.Now,
	}
}

// runResult is what one dispatch-and-finalize pass produced.
type runResult struct {
	order    *models.Order
	status   models.OrderStatus
	items    []models.OrderItem
	outcomes map[int64]models.ItemOutcome
}

// HandlePaymentSuccess provisions every item of a newly paid order. It is safe to call
// again for the same order: a completed order is left untouched, a concurrent delivery
// backs off, and an order left in processing by a failed run is resumed.
func (so *SagaOrchestrator) HandlePaymentSuccess(ctx context.Context, orderID int64, payment models.PaymentData) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandlePaymentSuccess", orderID)
	defer span.End()

	err := so.withOrderLock(ctx, orderID, func() error {
		return so.handlePaymentSuccess(ctx, orderID, payment)
	})
	if errors.Is(err, models.ErrOrderBusy) {
		util.OrderLogger(orderID).Info("Order run in progress, ignoring payment success")
		util.PaymentWebhooksTotal.WithLabelValues(models.EventTypePaymentSucceeded, "duplicate").Inc()
		return nil
	}
	if err != nil {
		util.RecordError(span, err)
	}

	return err
}

func (so *SagaOrchestrator) handlePaymentSuccess(ctx context.Context, orderID int64, payment models.PaymentData) error {
	logger := util.OrderLogger(orderID)

	order, _, err := so.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}

	if order.Status == models.OrderStatusCompleted {
		logger.Info("Order already completed, ignoring payment success")
		util.PaymentWebhooksTotal.WithLabelValues(models.EventTypePaymentSucceeded, "duplicate").Inc()
		return nil
	}

	if err := so.ledger.BeginProcessing(ctx, orderID, payment); err != nil {
		if !errors.Is(err, models.ErrAlreadyProcessed) {
			return fmt.Errorf("failed to begin processing: %w", err)
		}

		logger.Info("Payment success already handled", zap.String("status", string(order.Status)))
		util.PaymentWebhooksTotal.WithLabelValues(models.EventTypePaymentSucceeded, "duplicate").Inc()

		switch {
		case order.PaymentStatus == models.PaymentStatusFailed:
			so.alert(ctx, orderID, "payment_after_failure", map[string]any{
				"payment_reference": payment.GatewayReference,
			})
		case order.Status == models.OrderStatusProcessing:
			// the order lock is ours, so the run that started this order is gone
			_, err := so.resume(ctx, orderID)
			if err != nil && !errors.Is(err, models.ErrNothingToRetry) {
				return err
			}
		}
		return nil
	}

	util.PaymentWebhooksTotal.WithLabelValues(models.EventTypePaymentSucceeded, "processed").Inc()
	logger.Info("Payment confirmed, provisioning order",
		zap.String("gateway", payment.Gateway),
		zap.String("payment_reference", payment.GatewayReference))

	so.sink.Emit(ctx, models.AuditPaymentSuccess, orderID, map[string]any{
		"order_number":      order.OrderNumber,
		"gateway":           payment.Gateway,
		"payment_reference": payment.GatewayReference,
		"amount":            order.TotalAmount,
		"currency":          order.Currency,
	})

	result, err := so.run(ctx, orderID, func(item models.OrderItem) bool {
		return item.Status != models.ItemStatusCompleted
	})
	if err != nil {
		return err
	}

	so.report(ctx, result)
	return nil
}

// RetryFailedItems re-dispatches failed items still under the retry ceiling and re-finalizes
// the order. Completed items are never dispatched again.
func (so *SagaOrchestrator) RetryFailedItems(ctx context.Context, orderID int64) (models.OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.RetryFailedItems", orderID)
	defer span.End()

	var status models.OrderStatus
	err := so.withOrderLock(ctx, orderID, func() error {
		order, items, err := so.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}

		if order.PaymentStatus != models.PaymentStatusCompleted {
			return fmt.Errorf("%w: order %d payment is %s", models.ErrInvalidTransition, orderID, order.PaymentStatus)
		}
		if order.Status != models.OrderStatusPartialFailure && order.Status != models.OrderStatusFailed {
			return fmt.Errorf("%w: order %d is %s", models.ErrInvalidTransition, orderID, order.Status)
		}

		retryable := 0
		for _, item := range items {
			if item.IsRetryable(so.settings.MaxItemRetries) {
				retryable++
			}
		}
		if retryable == 0 {
			status = order.Status
			return fmt.Errorf("%w: order %d", models.ErrNothingToRetry, orderID)
		}

		so.logger.Info("Retrying failed items",
			zap.Int64("order_id", orderID),
			zap.Int("items", retryable))
		util.ItemRetriesTotal.Add(float64(retryable))

		result, err := so.run(ctx, orderID, func(item models.OrderItem) bool {
			return item.IsRetryable(so.settings.MaxItemRetries)
		})
		if err != nil {
			return err
		}

		so.report(ctx, result)
		status = result.status
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
	}

	return status, err
}

// ResumeOrder finishes an order left in processing by an interrupted run: items still
// pending or in flight are dispatched again under their original idempotency keys.
func (so *SagaOrchestrator) ResumeOrder(ctx context.Context, orderID int64) (models.OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.ResumeOrder", orderID)
	defer span.End()

	var status models.OrderStatus
	err := so.withOrderLock(ctx, orderID, func() error {
		var err error
		status, err = so.resume(ctx, orderID)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
	}

	return status, err
}

// resume expects the caller to hold the order lock.
func (so *SagaOrchestrator) resume(ctx context.Context, orderID int64) (models.OrderStatus, error) {
	order, _, err := so.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status != models.OrderStatusProcessing {
		return order.Status, fmt.Errorf("%w: order %d is %s", models.ErrNothingToRetry, orderID, order.Status)
	}

	so.logger.Warn("Resuming stalled order", zap.Int64("order_id", orderID))

	result, err := so.run(ctx, orderID, func(item models.OrderItem) bool {
		return item.Status == models.ItemStatusPending || item.Status == models.ItemStatusProcessing
	})
	if err != nil {
		return "", err
	}

	so.report(ctx, result)
	return result.status, nil
}

// HandlePaymentFailure fails an unpaid order. Nothing is provisioned.
func (so *SagaOrchestrator) HandlePaymentFailure(ctx context.Context, orderID int64, payment models.PaymentData) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandlePaymentFailure", orderID)
	defer span.End()

	if err := so.ledger.RecordPaymentFailure(ctx, orderID, payment); err != nil {
		if errors.Is(err, models.ErrAlreadyProcessed) {
			so.logger.Info("Ignoring payment failure for order past payment",
				zap.Int64("order_id", orderID), zap.Error(err))
			util.PaymentWebhooksTotal.WithLabelValues(models.EventTypePaymentFailed, "duplicate").Inc()
			return nil
		}
		util.RecordError(span, err)
		return fmt.Errorf("failed to record payment failure: %w", err)
	}

	util.PaymentWebhooksTotal.WithLabelValues(models.EventTypePaymentFailed, "processed").Inc()
	util.OrdersFinalizedTotal.WithLabelValues(string(models.OrderStatusFailed)).Inc()
	so.logger.Warn("Payment failed",
		zap.Int64("order_id", orderID),
		zap.String("reason", payment.FailureMessage))

	so.sink.Emit(ctx, models.AuditPaymentFailed, orderID, map[string]any{
		"gateway":           payment.Gateway,
		"payment_reference": payment.GatewayReference,
		"reason":            payment.FailureMessage,
	})
	return nil
}

// HandlePaymentRefund records a refund against the order. Provisioned domains and hosting
// stay active; cancelling them is a separate decision.
func (so *SagaOrchestrator) HandlePaymentRefund(ctx context.Context, orderID int64, refund models.RefundData) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandlePaymentRefund", orderID)
	defer span.End()

	if err := so.ledger.RecordRefund(ctx, orderID, refund); err != nil {
		if errors.Is(err, models.ErrAlreadyProcessed) {
			so.logger.Info("Refund already recorded", zap.Int64("order_id", orderID))
			util.PaymentWebhooksTotal.WithLabelValues(models.EventTypePaymentRefunded, "duplicate").Inc()
			return nil
		}
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrPaymentNotFound) {
			so.alert(ctx, orderID, "refund_rejected", map[string]any{"error": err.Error()})
		}
		util.RecordError(span, err)
		return fmt.Errorf("failed to record refund: %w", err)
	}

	util.PaymentWebhooksTotal.WithLabelValues(models.EventTypePaymentRefunded, "processed").Inc()
	util.OrdersRefundedTotal.Inc()
	so.logger.Info("Order refunded",
		zap.Int64("order_id", orderID),
		zap.Int64("amount", refund.Amount),
		zap.String("reason", refund.Reason))

	so.sink.Emit(ctx, models.AuditOrderRefunded, orderID, map[string]any{
		"refund_id": refund.RefundID,
		"amount":    refund.Amount,
		"reason":    refund.Reason,
	})
	return nil
}

// IssueRefund refunds an order through the payment gateway and records it. amount 0
// refunds the order total; a negative amount or one above the total is rejected.
func (so *SagaOrchestrator) IssueRefund(ctx context.Context, orderID, amount int64, reason string) (*provider.RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.IssueRefund", orderID)
	defer span.End()

	order, _, err := so.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status == models.OrderStatusRefunded {
		return nil, fmt.Errorf("%w: order %d already refunded", models.ErrAlreadyProcessed, orderID)
	}
	if !models.CanTransition(order.Status, models.OrderStatusRefunded) {
		return nil, fmt.Errorf("%w: order %d is %s", models.ErrInvalidTransition, orderID, order.Status)
	}
	if order.PaymentReference == nil {
		return nil, fmt.Errorf("%w: order %d has no gateway reference", models.ErrPaymentNotFound, orderID)
	}
	if amount < 0 || amount > order.TotalAmount {
		return nil, fmt.Errorf("%w: %d for order %d totalling %d",
			models.ErrInvalidRefundAmount, amount, orderID, order.TotalAmount)
	}
	if amount == 0 {
		amount = order.TotalAmount
	}

	req := provider.RefundRequest{PaymentID: *order.PaymentReference, Amount: amount, Reason: reason}
	res, err := resilient.Call(ctx, so.client, "payment.refund", provider.RefundKey(orderID),
		func(ctx context.Context, key string) (provider.RefundResult, error) {
			return so.gateway.Refund(ctx, req, key)
		})
	if err != nil {
		if resilient.KindOf(err) == resilient.KindUnauthenticated {
			so.alert(ctx, orderID, string(resilient.KindUnauthenticated), map[string]any{
				"action": "payment.refund",
				"error":  err.Error(),
			})
		}
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to refund payment: %w", err)
	}

	err = so.HandlePaymentRefund(ctx, orderID, models.RefundData{RefundID: res.RefundID, Amount: amount, Reason: reason})
	if err != nil {
		return &res, err
	}

	return &res, nil
}

// ResetItem clears a failed item's retry count so it becomes eligible for retry again.
func (so *SagaOrchestrator) ResetItem(ctx context.Context, itemID int64) (*models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.ResetItem")
	defer span.End()

	item, err := so.ledger.ResetItem(ctx, itemID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to reset item: %w", err)
	}

	so.logger.Info("Item retry count reset by operator",
		zap.Int64("order_id", item.OrderID),
		zap.Int64("item_id", item.ID))
	return item, nil
}

// RetryableOrders lists orders the retry sweep should pick up.
func (so *SagaOrchestrator) RetryableOrders(ctx context.Context, limit int) ([]int64, error) {
	return so.ledger.ListRetryableOrders(ctx, so.settings.MaxItemRetries, limit)
}

// StalledOrders lists orders stuck in processing for longer than the stall threshold.
func (so *SagaOrchestrator) StalledOrders(ctx context.Context, limit int) ([]int64, error) {
	return so.ledger.ListStalledOrders(ctx, so.now().Add(-so.settings.StalledAfter), limit)
}

// run dispatches the selected items concurrently, folds every outcome into the ledger
// once all of them are in, then finalizes the order.
func (so *SagaOrchestrator) run(ctx context.Context, orderID int64, selectItem func(models.OrderItem) bool) (*runResult, error) {
	order, items, err := so.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	customer, err := so.ledger.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		if !errors.Is(err, models.ErrCustomerNotFound) {
			return nil, fmt.Errorf("failed to load customer: %w", err)
		}
		so.logger.Warn("Customer not found, registrar items will fail",
			zap.Int64("order_id", orderID),
			zap.Int64("customer_id", order.CustomerID))
		customer = nil
	}

	var batch []models.OrderItem
	selected := make(map[int64]bool, len(items))
	for _, item := range items {
		if selectItem(item) {
			batch = append(batch, item)
			selected[item.ID] = true
		}
	}
	// a bundled privacy item rides along with its registration
	for _, item := range items {
		if selected[item.ID] || item.Status == models.ItemStatusCompleted {
			continue
		}
		if reg, ok := bundledRegistration(item, items); ok && selected[reg.ID] {
			batch = append(batch, item)
		}
	}

	outcomes := make(map[int64]models.ItemOutcome, len(batch))
	if len(batch) > 0 {
		ids := make([]int64, len(batch))
		for i, item := range batch {
			ids[i] = item.ID
		}
		if err := so.ledger.StartItems(ctx, orderID, ids); err != nil {
			return nil, fmt.Errorf("failed to start items: %w", err)
		}

		results := so.dispatchAll(ctx, order, customer, items, batch)
		for i, item := range batch {
			if err := so.ledger.MarkItem(ctx, item.ID, results[i]); err != nil {
				return nil, fmt.Errorf("failed to mark item %d: %w", item.ID, err)
			}
			outcomes[item.ID] = results[i]
		}
	}

	status, err := so.ledger.Finalize(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize order: %w", err)
	}
	util.OrdersFinalizedTotal.WithLabelValues(string(status)).Inc()

	order, items, err = so.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload order: %w", err)
	}

	so.logger.Info("Order finalized",
		zap.Int64("order_id", orderID),
		zap.String("status", string(status)),
		zap.Int("dispatched", len(batch)))

	return &runResult{order: order, status: status, items: items, outcomes: outcomes}, nil
}

// dispatchAll provisions every item of batch in its own goroutine and waits for all of them.
// One item's failure never cancels its siblings. Privacy items bundled with a registration
// are settled afterwards from that registration's outcome.
func (so *SagaOrchestrator) dispatchAll(
	ctx context.Context,
	order *models.Order,
	customer *models.Customer,
	siblings, batch []models.OrderItem,
) []models.ItemOutcome {
	results := make([]models.ItemOutcome, len(batch))
	bundled := make(map[int]models.OrderItem)

	var g errgroup.Group
	g.SetLimit(so.settings.MaxParallel)

	for i, item := range batch {
		if reg, ok := bundledRegistration(item, siblings); ok {
			bundled[i] = reg
			continue
		}
		i, item := i, item
		g.Go(func() error {
			results[i] = so.dispatcher.Dispatch(ctx, dispatchInput{
				order:    order,
				customer: customer,
				item:     item,
				siblings: siblings,
			})
			return nil
		})
	}

	_ = g.Wait()

	byID := make(map[int64]models.ItemOutcome, len(batch))
	for i, item := range batch {
		if _, ok := bundled[i]; !ok {
			byID[item.ID] = results[i]
		}
	}
	for i, reg := range bundled {
		regOutcome, ran := byID[reg.ID]
		results[i] = so.dispatcher.FollowRegistration(batch[i], reg, regOutcome, ran)
	}

	return results
}

// report sends the audit events for a finished run.
func (so *SagaOrchestrator) report(ctx context.Context, r *runResult) {
	orderID := r.order.ID

	for _, item := range r.items {
		outcome, dispatched := r.outcomes[item.ID]
		if !dispatched || outcome.Status != models.ItemStatusFailed {
			continue
		}

		_, bundled := bundledRegistration(item, r.items)
		if outcome.ErrorKind == string(resilient.KindUnauthenticated) && !bundled {
			so.alert(ctx, orderID, string(resilient.KindUnauthenticated), map[string]any{
				"item_id": item.ID,
				"kind":    item.Kind,
				"error":   outcome.ErrorMessage,
			})
		}
		if item.RetryCount >= so.settings.MaxItemRetries {
			so.alert(ctx, orderID, "retries_exhausted", map[string]any{
				"item_id":     item.ID,
				"kind":        item.Kind,
				"retry_count": item.RetryCount,
			})
		}
	}

	switch r.status {
	case models.OrderStatusCompleted:
		completed := make([]map[string]any, 0, len(r.items))
		for _, item := range r.items {
			completed = append(completed, map[string]any{
				"item_id":            item.ID,
				"kind":               item.Kind,
				"external_reference": deref(item.ExternalReference),
			})
		}
		so.sink.Emit(ctx, models.AuditOrderCompleted, orderID, map[string]any{
			"order_number": r.order.OrderNumber,
			"items":        completed,
		})

	case models.OrderStatusPartialFailure, models.OrderStatusFailed:
		so.sink.Emit(ctx, models.AuditItemsFailed, orderID, map[string]any{
			"order_number": r.order.OrderNumber,
			"status":       r.status,
			"failed_items": failedItems(r.items),
		})
	}
}

func (so *SagaOrchestrator) alert(ctx context.Context, orderID int64, reason string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	so.sink.Emit(ctx, models.AuditOperatorAlert, orderID, details)
}

func (so *SagaOrchestrator) withOrderLock(ctx context.Context, orderID int64, fn func() error) error {
	key := fmt.Sprintf("order:%d", orderID)
	token, ok, err := so.locker.AcquireLock(ctx, key, so.settings.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire order lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderBusy, orderID)
	}

	defer func() {
		if err := so.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			so.logger.Error("Failed to release order lock", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}()

	return fn()
}

func failedItems(items []models.OrderItem) []models.FailedItem {
	var out []models.FailedItem
	for _, item := range items {
		if item.Status != models.ItemStatusFailed {
			continue
		}
		out = append(out, models.FailedItem{
			ItemID:    item.ID,
			Kind:      item.Kind,
			ErrorKind: deref(item.LastErrorKind),
			Error:     deref(item.LastError),
		})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
