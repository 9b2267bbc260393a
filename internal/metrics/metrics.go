package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics for production monitoring
var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of completion requests",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Completion request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	// Token and cost metrics
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output/cache_read/cache_write
	)

	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Total upstream cost in USD",
		},
		[]string{"provider", "model"},
	)

	// Streaming metrics
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_events_total",
			Help: "Total number of canonical stream events emitted",
		},
		[]string{"provider", "type"},
	)

	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_streams_active",
			Help: "Current number of in-flight streaming responses",
		},
	)

	// Budget metrics
	BudgetSpentUSD = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_budget_spent_usd",
			Help: "Spend in the current monthly window in USD",
		},
	)

	BudgetLimitUSD = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_budget_limit_usd",
			Help: "Configured monthly spend limit in USD (0 when unset)",
		},
	)

	BudgetBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_budget_blocked_total",
			Help: "Total number of requests blocked by the spend limit",
		},
	)

	// Authorization metrics
	AuthDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_denied_total",
			Help: "Total number of requests denied by the trust root",
		},
		[]string{"reason"}, // reason: delegate/model
	)
)
