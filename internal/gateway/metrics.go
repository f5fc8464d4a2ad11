package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwAdmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "gateway",
		Name:      "admissions_total",
		Help:      "Admission pipeline outcomes.",
	}, []string{"outcome"}) // "proxied", "payment_required", "malformed_payment", "invalid_payment", "settlement_failed", "rate_limited", "facilitator_error", "upstream_error", "store_error"

	gwSettlements = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "gateway",
		Name:      "settlements_total",
		Help:      "Payments verified and settled through the facilitator.",
	})

	gwSessionReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "gateway",
		Name:      "session_reuse_total",
		Help:      "Requests admitted on an active paid session without re-verification.",
	})

	gwSessionsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "gateway",
		Name:      "sessions_written_total",
		Help:      "Paid sessions created or extended after settlement.",
	})

	gwRateLimitDenials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "gateway",
		Name:      "rate_limit_denials_total",
		Help:      "Requests denied by the sliding-window rate limiter.",
	})

	gwProxyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tollgate",
		Subsystem: "gateway",
		Name:      "proxy_latency_seconds",
		Help:      "End-to-end admitted request latency in seconds.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		gwAdmissions,
		gwSettlements,
		gwSessionReuse,
		gwSessionsWritten,
		gwRateLimitDenials,
		gwProxyLatency,
	)
}
