// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostflow_sweep_runs_total",
			Help: "Total number of expiry sweep executions",
		},
	)

	RequestsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostflow_requests_expired_total",
			Help: "Total number of host requests expired by the sweep",
		},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostflow_escalations_total",
			Help: "Total escalations to the next candidate, by trigger",
		},
		[]string{"trigger"},
	)

	WorkflowsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostflow_workflows_exhausted_total",
			Help: "Total workflows that ran out of candidates without an accept",
		},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostflow_notification_failures_total",
			Help: "Total failed outbound notifications, by channel",
		},
		[]string{"channel"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "hostflow_sweep_duration_seconds",
			Help: "Duration of a full sweep pass in seconds",
		},
	)
)
