package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_expired_total",
		Help: "Total number of stale unpaid orders closed by the expiry sweep",
	})

	TransitionsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transitions_applied_total",
		Help: "Total number of applied state transitions",
	}, []string{"aggregate", "to"})

	TransitionsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transitions_discarded_total",
		Help: "Total number of observations discarded because no valid transition matched",
	}, []string{"aggregate"})

	TransitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transition_conflicts_total",
		Help: "Total number of conditional writes lost to a concurrent transition",
	}, []string{"aggregate"})

	ReadRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "read_repairs_total",
		Help: "Total number of state repairs performed on the read path",
	}, []string{"aggregate"})

	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_calls_total",
		Help: "Total number of gateway calls by operation and outcome",
	}, []string{"op", "outcome"})

	GatewayCallLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_call_latency_seconds",
		Help:    "Latency of external gateway calls",
		Buckets: prometheus.DefBuckets,
	})

	RefundsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_failed_total",
		Help: "Total number of refunds that ended in REFUND_FAILED",
	}, []string{"origin_kind"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_notifications_total",
		Help: "Total number of inbound gateway notifications by type",
	}, []string{"type"})

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
