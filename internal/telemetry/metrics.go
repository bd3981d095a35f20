package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks latency of every route served by the HTTP
// server (ops endpoints, admin routes and the ws upgrade).
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "hiverun",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var LedgerTransactionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Total number of credit ledger transactions by type.",
	},
	[]string{"type"},
)

var LedgerRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "ledger",
		Name:      "rejected_total",
		Help:      "Total number of rejected ledger writes by reason.",
	},
	[]string{"reason"},
)

var MeterEventsEmittedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "meter",
		Name:      "events_emitted_total",
		Help:      "Total number of meter events accepted into the WAL.",
	},
)

var MeterEventsFlushedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "meter",
		Name:      "events_flushed_total",
		Help:      "Total number of meter events successfully flushed to storage.",
	},
)

var MeterEventsDeadLetteredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "meter",
		Name:      "events_dead_lettered_total",
		Help:      "Total number of meter events moved to the DLQ after exceeding retries.",
	},
)

var MeterWALReplayedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "meter",
		Name:      "wal_replayed_total",
		Help:      "Total number of meter events replayed from the WAL on startup.",
	},
)

var AggregatorWindowsProcessedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "aggregator",
		Name:      "windows_processed_total",
		Help:      "Total number of aggregation windows processed (including sentinel windows).",
	},
)

var AutoTopupAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "autotopup",
		Name:      "attempts_total",
		Help:      "Total number of auto-top-up charge attempts by mode and outcome.",
	},
	[]string{"mode", "outcome"},
)

var AutoTopupCircuitBreaksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "autotopup",
		Name:      "circuit_breaks_total",
		Help:      "Total number of auto-top-up circuit breaks by mode.",
	},
	[]string{"mode"},
)

var NotificationDeadLetteredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "notification",
		Name:      "dead_lettered_total",
		Help:      "Total number of notifications moved to dead_letter status.",
	},
)

var NotificationSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "notification",
		Name:      "sent_total",
		Help:      "Total number of notifications successfully sent, by email_type.",
	},
	[]string{"email_type"},
)

var NodeHeartbeatsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "node",
		Name:      "heartbeats_total",
		Help:      "Total number of accepted node heartbeats.",
	},
)

var NodeUnhealthyTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "node",
		Name:      "unhealthy_total",
		Help:      "Total number of nodes transitioned to unhealthy by the liveness sweeper.",
	},
)

var MigrationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "migration",
		Name:      "total",
		Help:      "Total number of tenant migrations by outcome.",
	},
	[]string{"outcome"},
)

var RecoveryEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "recovery",
		Name:      "events_total",
		Help:      "Total number of recovery events by terminal status.",
	},
	[]string{"status"},
)

var RecoveryItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hiverun",
		Subsystem: "recovery",
		Name:      "items_total",
		Help:      "Total number of recovery items by terminal status.",
	},
	[]string{"status"},
)

// All returns every control-plane-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		LedgerTransactionsTotal,
		LedgerRejectedTotal,
		MeterEventsEmittedTotal,
		MeterEventsFlushedTotal,
		MeterEventsDeadLetteredTotal,
		MeterWALReplayedTotal,
		AggregatorWindowsProcessedTotal,
		AutoTopupAttemptsTotal,
		AutoTopupCircuitBreaksTotal,
		NotificationDeadLetteredTotal,
		NotificationSentTotal,
		NodeHeartbeatsTotal,
		NodeUnhealthyTotal,
		MigrationsTotal,
		RecoveryEventsTotal,
		RecoveryItemsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTP duration metric, and the control plane's
// own collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
