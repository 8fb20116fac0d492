package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentWebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Total number of payment webhook events handled",
	}, []string{"type", "result"})

	OrdersFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_orders_finalized_total",
		Help: "Total number of order finalizations by resulting status",
	}, []string{"status"})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_orders_refunded_total",
		Help: "Total number of refunded orders",
	})

	ItemsProvisionedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_items_total",
		Help: "Total number of item dispatches by kind and outcome",
	}, []string{"kind", "outcome"})

	ItemRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_item_retries_total",
		Help: "Total number of saga-level item re-dispatches",
	})

	ItemDispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_item_dispatch_latency_seconds",
		Help:    "Latency of one item dispatch including provider retries",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40},
	}, []string{"kind"})

	ProviderCallAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_call_attempts_total",
		Help: "Total number of single provider call attempts by outcome",
	}, []string{"action", "outcome"})

	ProviderCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_call_latency_seconds",
		Help:    "Latency of single provider call attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	OperatorAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "operator_alerts_total",
		Help: "Total number of operator alerts raised",
	}, []string{"reason"})

	AuditEmitFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_emit_failures_total",
		Help: "Total number of audit events that could not be delivered",
	}, []string{"sink"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
