package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes application-level instruments. A nil receiver is a no-op
// so callers never have to guard instrumentation.
type Metrics struct {
	decisions       *prometheus.CounterVec
	creditsConsumed *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	sweepErrors     *prometheus.CounterVec
	sweepDuration   *prometheus.HistogramVec
	rateLimited     prometheus.Counter
}

// New registers the instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_decisions_total",
			Help: "Admission decisions by metric type and outcome.",
		}, []string{"metric_type", "outcome"}),
		creditsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_credits_consumed_total",
			Help: "Credits drawn from the ledger by credit type.",
		}, []string{"credit_type"}),
		sweepRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_sweep_runs_total",
			Help: "Scheduler job executions by job name.",
		}, []string{"job"}),
		sweepErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_sweep_errors_total",
			Help: "Scheduler job failures by job name.",
		}, []string{"job"}),
		sweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metergate_sweep_duration_seconds",
			Help:    "Scheduler job durations by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		rateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "metergate_rate_limited_total",
			Help: "Requests rejected by the check-endpoint rate limiter.",
		}),
	}
}

// RecordDecision increments the decision counter.
func (m *Metrics) RecordDecision(metricType, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strings.TrimSpace(metricType), strings.TrimSpace(outcome)).Inc()
}

// RecordCreditsConsumed adds drawn credits to the ledger counter.
func (m *Metrics) RecordCreditsConsumed(creditType string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsConsumed.WithLabelValues(strings.TrimSpace(creditType)).Add(float64(amount))
}

// RecordJob observes one scheduler job execution.
func (m *Metrics) RecordJob(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	job = strings.TrimSpace(job)
	m.sweepRuns.WithLabelValues(job).Inc()
	m.sweepDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		m.sweepErrors.WithLabelValues(job).Inc()
	}
}

// RecordRateLimited counts a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
