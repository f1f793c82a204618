package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRegistry holds every collector of this service; server.go exposes it on /metrics.
var MetricsRegistry = prometheus.NewRegistry()

var (
	recordsCreatedTotal = promauto.With(MetricsRegistry).NewCounter(prometheus.CounterOpts{
		Name: "idempotency_records_created_total",
		Help: "Events recorded on first sighting.",
	})
	ingestOutcomesTotal = promauto.With(MetricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_ingest_outcomes_total",
		Help: "Inbound events by provider and outcome.",
	}, []string{"provider", "outcome"})
	reservationOutcomesTotal = promauto.With(MetricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_outcomes_total",
		Help: "Reserve calls by outcome (confirmed, replayed, conflict, error).",
	}, []string{"outcome"})
	lockWaitSeconds = promauto.With(MetricsRegistry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resource_lock_wait_seconds",
		Help:    "Time spent waiting for a resource advisory lock.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.3, 0.6, 1, 3, 6, 10},
	}, []string{"dialect"})
	retryJobsTotal = promauto.With(MetricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Name: "retry_jobs_total",
		Help: "Retry job transitions by operation type and result.",
	}, []string{"operation", "result"})
	sweepActionsTotal = promauto.With(MetricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Name: "sweeper_actions_total",
		Help: "Rows touched by the reconciliation sweeper, by action.",
	}, []string{"action"})
)

func init() {
	MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
