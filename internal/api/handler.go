package api

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/resilient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// WebhookPublisher queues verified gateway notifications for the payment worker
type WebhookPublisher interface {
	PublishWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
}

// ReadinessCheck reports whether one dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	saga          *service.SagaOrchestrator
	publisher     WebhookPublisher
	webhookSecret string
	checks        map[string]ReadinessCheck
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler. An empty webhook secret disables signature checks.
func NewHandler(
	saga *service.SagaOrchestrator,
	publisher WebhookPublisher,
	webhookSecret string,
	checks map[string]ReadinessCheck,
) *Handler {
	return &Handler{
		saga:          saga,
		publisher:     publisher,
		webhookSecret: webhookSecret,
		checks:        checks,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payments", h.paymentWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id", h.getOrder)

		admin := v1.Group("/admin")
		admin.GET("/orders/:id", h.getOrderDetail)
		admin.POST("/orders/:id/retry", h.retryOrder)
		admin.POST("/orders/:id/refund", h.refundOrder)
		admin.POST("/items/:id/reset", h.resetItem)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type webhookRequest struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	OrderID int64           `json:"order_id"`
	Data    json.RawMessage `json:"data"`
}

// paymentWebhook verifies a gateway notification and queues it
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
		return
	}

	if h.webhookSecret != "" {
		expected := provider.Sign(h.webhookSecret, body)
		if !hmac.Equal([]byte(expected), []byte(c.GetHeader("X-Signature"))) {
			util.PaymentWebhooksTotal.WithLabelValues("unknown", "bad_signature").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.ID == "" || req.Type == "" || req.OrderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id, type and order_id are required"})
		return
	}

	event := &models.WebhookEvent{
		EventID:    req.ID,
		EventType:  req.Type,
		OrderID:    req.OrderID,
		Data:       req.Data,
		ReceivedAt: time.Now().UTC(),
	}

	if err := h.publisher.PublishWebhookEvent(c.Request.Context(), event); err != nil {
		h.logger.Error("Failed to queue payment webhook",
			zap.String("event_id", event.EventID),
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "accepted",
		"event_id": event.EventID,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	view, err := h.saga.GetOrderView(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		h.logger.Error("Failed to get order", zap.Int64("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get order"})
		return
	}

	c.JSON(http.StatusOK, view)
}

// getOrderDetail returns the operator view with item failure reasons
func (h *Handler) getOrderDetail(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	detail, err := h.saga.GetOrderDetail(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, "Failed to get order", err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

func (h *Handler) retryOrder(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	status, err := h.saga.RetryFailedItems(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, "Failed to retry order", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"status":   status,
	})
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.saga.IssueRefund(c.Request.Context(), orderID, req.Amount, req.Reason)
	if err != nil {
		writeError(c, "Failed to refund order", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":  orderID,
		"status":    models.OrderStatusRefunded,
		"refund_id": res.RefundID,
		"amount":    res.Amount,
	})
}

func (h *Handler) resetItem(c *gin.Context) {
	itemID, ok := parseID(c)
	if !ok {
		return
	}

	item, err := h.saga.ResetItem(c.Request.Context(), itemID)
	if err != nil {
		writeError(c, "Failed to reset item", err)
		return
	}

	c.JSON(http.StatusOK, item)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}

// writeError maps saga errors onto operator responses
func writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrOrderBusy):
		status = http.StatusLocked
	case errors.Is(err, models.ErrInvalidRefundAmount):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrNothingToRetry),
		errors.Is(err, models.ErrAlreadyProcessed),
		errors.Is(err, models.ErrPaymentNotFound):
		status = http.StatusConflict
	default:
		var perr *resilient.Error
		if errors.As(err, &perr) {
			status = http.StatusBadGateway
		}
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}
