// Package metrics registers the process's prometheus instruments. One
// instance is constructed at startup and passed by handle; tests build
// their own against a fresh registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the portfolio manager exports.
type Metrics struct {
	SignalsReceived  *prometheus.CounterVec // by signal type
	SignalsProcessed *prometheus.CounterVec // by outcome status
	SignalsRejected  *prometheus.CounterVec // by reason code

	ValidationBypassed prometheus.Counter
	BrokerQuoteFailure prometheus.Counter

	OrdersExecuted   *prometheus.CounterVec // by execution status
	OrderFillLatency prometheus.Histogram

	LeadershipChanges prometheus.Counter
	SplitBrainEvents  prometheus.Counter
	DBSyncSuccess     prometheus.Counter
	DBSyncFailure     prometheus.Counter

	WebhookDuration  prometheus.Histogram
	RateLimitDrops   prometheus.Counter
	PayloadTooLarge  prometheus.Counter
	DuplicateSignals prometheus.Counter
}

// New registers all instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_signals_received_total",
			Help: "Signals received on the webhook by type.",
		}, []string{"type"}),
		SignalsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_signals_processed_total",
			Help: "Signals fully processed by outcome status.",
		}, []string{"status"}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_signals_rejected_total",
			Help: "Signals rejected by reason code.",
		}, []string{"reason"}),
		ValidationBypassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_validation_bypassed_total",
			Help: "Stage-2 validations bypassed because no broker quote was obtainable.",
		}),
		BrokerQuoteFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_broker_quote_failure_total",
			Help: "Broker quote attempts that failed.",
		}),
		OrdersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_orders_executed_total",
			Help: "Executor results by status.",
		}, []string{"status"}),
		OrderFillLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pm_order_fill_latency_seconds",
			Help:    "Time from order submission to terminal executor result.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		LeadershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_leadership_changes_total",
			Help: "Leader acquisitions and losses on this instance.",
		}),
		SplitBrainEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_split_brain_events_total",
			Help: "Detected cache/database leader disagreements.",
		}),
		DBSyncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_db_sync_success_total",
			Help: "Heartbeat database syncs that succeeded.",
		}),
		DBSyncFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_db_sync_failure_total",
			Help: "Heartbeat database sync failures.",
		}),
		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pm_webhook_duration_seconds",
			Help:    "Webhook request handling duration.",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimitDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_rate_limit_drops_total",
			Help: "Webhook requests dropped by the per-IP rate limit.",
		}),
		PayloadTooLarge: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_payload_too_large_total",
			Help: "Webhook requests dropped by the payload size guard.",
		}),
		DuplicateSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_duplicate_signals_total",
			Help: "Signals rejected by fingerprint dedup.",
		}),
	}

	reg.MustRegister(
		m.SignalsReceived, m.SignalsProcessed, m.SignalsRejected,
		m.ValidationBypassed, m.BrokerQuoteFailure,
		m.OrdersExecuted, m.OrderFillLatency,
		m.LeadershipChanges, m.SplitBrainEvents, m.DBSyncSuccess, m.DBSyncFailure,
		m.WebhookDuration, m.RateLimitDrops, m.PayloadTooLarge, m.DuplicateSignals,
	)
	return m
}

// NewForTest builds metrics on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
