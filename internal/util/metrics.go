package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_orders_created_total",
		Help: "Total number of orders created by intake",
	})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_orders_rejected_total",
		Help: "Total number of rejected order creations",
	}, []string{"reason"})

	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_orders_completed_total",
		Help: "Total number of orders whose production finished",
	})

	PaymentsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_payments_settled_total",
		Help: "Total number of settled payments",
	}, []string{"method"})

	PaymentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_payment_failures_total",
		Help: "Total number of rejected settlement attempts",
	}, []string{"reason"})

	PaymentSettleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workflow_payment_settle_latency_seconds",
		Help:    "Latency of payment settlement including the gateway call",
		Buckets: prometheus.DefBuckets,
	})

	CommitReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_commit_reconciliations_total",
		Help: "Outcomes of re-reads after an unknown commit outcome",
	}, []string{"operation", "outcome"})

	WorkOrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_work_orders_created_total",
		Help: "Total number of production work orders created",
	})

	StageAdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_stage_advances_total",
		Help: "Total number of production stage advances by target stage",
	}, []string{"stage"})

	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_requests_total",
		Help: "Payment gateway calls by outcome",
	}, []string{"outcome"})

	GatewayBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payment_gateway_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	RealtimeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connected_clients",
		Help: "Number of connected realtime sessions",
	})

	RealtimeRefetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_refetch_total",
		Help: "Authoritative view re-fetches by role",
	}, []string{"role"})

	RealtimeRefetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_refetch_failures_total",
		Help: "Failed view re-fetches by role",
	}, []string{"role"})

	ChangeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "change_feed_events_total",
		Help: "Row change notifications received by table",
	}, []string{"table"})

	ChangeFeedReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "change_feed_reconnects_total",
		Help: "Number of change feed resubscriptions",
	})

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
