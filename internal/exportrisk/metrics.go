package exportrisk

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exportguard",
		Subsystem: "export",
		Name:      "decisions_total",
		Help:      "Export decisions by action.",
	}, []string{"action"}) // "allowed", "warning_issued", "export_blocked", "account_locked"

	patternsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exportguard",
		Subsystem: "export",
		Name:      "patterns_total",
		Help:      "Suspicious patterns detected by label.",
	}, []string{"pattern"})

	riskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "exportguard",
		Subsystem: "export",
		Name:      "risk_score",
		Help:      "Distribution of aggregate export risk scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	evaluationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "exportguard",
		Subsystem: "export",
		Name:      "evaluation_seconds",
		Help:      "Latency of MonitorExport in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	failOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "exportguard",
		Subsystem: "export",
		Name:      "fail_open_total",
		Help:      "Exports allowed because evaluation failed.",
	})

	lockFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "exportguard",
		Subsystem: "export",
		Name:      "lock_failures_total",
		Help:      "Account locks decided but not persisted.",
	})

	persistFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exportguard",
		Subsystem: "export",
		Name:      "persist_failures_total",
		Help:      "Failed writes by target.",
	}, []string{"target"}) // "history", "audit"

	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exportguard",
		Subsystem: "export",
		Name:      "notifications_total",
		Help:      "Security alerts sent by type and status.",
	}, []string{"type", "status"}) // status: "sent", "failed"
)

func init() {
	prometheus.MustRegister(
		decisionsTotal,
		patternsTotal,
		riskScores,
		evaluationLatency,
		failOpenTotal,
		lockFailuresTotal,
		persistFailuresTotal,
		notificationsTotal,
	)
}
