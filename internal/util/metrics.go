package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FinalizeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finalize_attempts_total",
		Help: "Confirmation events received by the finalizer",
	}, []string{"source"})

	FinalizeOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finalize_outcomes_total",
		Help: "Finalize results by source and reason",
	}, []string{"source", "result"})

	FinalizeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finalize_latency_seconds",
		Help:    "Latency of finalize attempts including the gateway cross-check",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	OrdersConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_confirmed_total",
		Help: "Orders whose confirmation transaction committed",
	}, []string{"source"})

	StockConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_conflicts_total",
		Help: "Confirmations that lost the race for inventory",
	})

	AmountMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amount_mismatch_total",
		Help: "Confirmations where the gateway amount differed from the order amount",
	})

	SignatureFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signature_failures_total",
		Help: "Rejected signatures by channel",
	}, []string{"channel"})

	CouponOverLimitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupon_over_limit_total",
		Help: "Finalized orders whose coupon had reached its usage limit at commit time",
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook deliveries by event type and outcome",
	}, []string{"event", "outcome"})

	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_failures_total",
		Help: "Order confirmation notifications that could not be published or delivered",
	}, []string{"stage"})

	OutboxRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relayed_total",
		Help: "Queued confirmation events published by the outbox relay",
	})

	NotificationRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_dispatch_retries_total",
		Help: "Dispatch attempts repeated after a transient failure",
	})

	CheckoutQuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_quotes_total",
		Help: "Server-side price recomputations by coupon outcome",
	}, []string{"coupon"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_limited_requests_total",
		Help: "Requests rejected by the in-process rate limiter",
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
