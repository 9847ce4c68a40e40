package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Billing job names. Anything else is reported as "other" to keep label
// cardinality fixed.
const (
	JobSubscriptionReconcile = "subscription-reconcile"
	JobOutboxRetention       = "outbox-retention"
	jobOther                 = "other"
)

// Job run outcomes.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobSkipped   = "skipped"
)

// CronJobMetrics tracks the billing maintenance jobs run by the cron worker.
type CronJobMetrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_job_runs_total",
		Help: "Billing job runs by job and outcome.",
	}, []string{"job", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_job_duration_seconds",
		Help:    "Wall time of billing job runs that held the lock.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"job"})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "billing_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job.",
	}, []string{"job"})
	reg.MustRegister(runs, duration, lastSuccess)
	return &CronJobMetrics{runs: runs, duration: duration, lastSuccess: lastSuccess}
}

// Skipped counts a due run that another worker already held.
func (c *CronJobMetrics) Skipped(job string) {
	if c == nil || c.runs == nil {
		return
	}
	c.runs.WithLabelValues(jobLabel(job), JobSkipped).Inc()
}

// Finished records a run. A zero duration means the job never started.
func (c *CronJobMetrics) Finished(job string, took time.Duration, err error) {
	if c == nil || c.runs == nil {
		return
	}
	label := jobLabel(job)
	if took > 0 {
		c.duration.WithLabelValues(label).Observe(took.Seconds())
	}
	if err != nil {
		c.runs.WithLabelValues(label, JobFailed).Inc()
		return
	}
	c.runs.WithLabelValues(label, JobSucceeded).Inc()
	c.lastSuccess.WithLabelValues(label).SetToCurrentTime()
}

func jobLabel(job string) string {
	switch job {
	case JobSubscriptionReconcile, JobOutboxRetention:
		return job
	default:
		return jobOther
	}
}
