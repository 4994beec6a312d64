// Package metrics exposes the engine's Prometheus collectors, served on the
// status API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krx_orders_total",
			Help: "Order attempts by fallback stage (1=IOC, 2=requote IOC, 3=market).",
		},
		[]string{"stage"},
	)

	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krx_exits_total",
			Help: "Position exits by reason.",
		},
		[]string{"reason"},
	)

	EntriesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krx_entries_skipped_total",
			Help: "Entry candidates skipped by policy, by skip reason.",
		},
		[]string{"reason"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "krx_positions_open",
			Help: "Current number of open positions.",
		},
	)

	RiskLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "krx_risk_level",
			Help: "Current risk level (0=NORMAL, 1=HIGH, 2=CRITICAL).",
		},
	)

	WSReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "krx_ws_reconnects_total",
			Help: "Websocket reconnect attempts.",
		},
	)

	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krx_llm_calls_total",
			Help: "Shock/recovery adjudication calls by verdict (yes, no, error).",
		},
		[]string{"verdict"},
	)

	RateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "krx_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the broker token bucket.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	DailyRealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "krx_daily_realized_pnl_krw",
			Help: "Realized profit and loss for the current session, in KRW.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersTotal,
		ExitsTotal,
		EntriesSkippedTotal,
		PositionsOpen,
		RiskLevel,
		WSReconnectsTotal,
		LLMCallsTotal,
		RateLimitWait,
		DailyRealizedPnL,
	)
}

// SetRiskLevel maps the textual risk level onto the gauge.
func SetRiskLevel(level string) {
	switch level {
	case "HIGH":
		RiskLevel.Set(1)
	case "CRITICAL":
		RiskLevel.Set(2)
	default:
		RiskLevel.Set(0)
	}
}
