// Package metrics exposes Prometheus collectors for session issuance and
// scan outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sessions_issued_total",
		Help:      "Attendance QR sessions issued.",
	})

	ScanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "scan_outcomes_total",
		Help:      "Scan pipeline outcomes by result.",
	}, []string{"outcome"})

	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendance",
		Name:      "scan_pipeline_seconds",
		Help:      "Time from payload decode to terminal outcome.",
		Buckets:   prometheus.DefBuckets,
	})

	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "notification_failures_total",
		Help:      "Confirmation notifications that could not be published.",
	})
)

// ObserveScan records one terminal pipeline outcome. An empty outcome is
// counted as success.
func ObserveScan(outcome string, started time.Time) {
	if outcome == "" {
		outcome = "success"
	}
	ScanOutcomes.WithLabelValues(outcome).Inc()
	PipelineDuration.Observe(time.Since(started).Seconds())
}
