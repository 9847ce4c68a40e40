package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// BillingMetrics counts webhook deliveries and settlement results.
type BillingMetrics struct {
	webhooks    *prometheus.CounterVec
	settlements *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	pages       *prometheus.CounterVec
	conversions *prometheus.CounterVec
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Processor webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Settlement attempts by kind and outcome.",
	}, []string{"kind", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_duration_seconds",
		Help:    "Duration of settlement transactions in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	pages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pages_consumed_total",
		Help: "Pages consumed by source (subscription or credits).",
	}, []string{"source"})
	conversions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conversions_total",
		Help: "PDF conversions by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(webhooks, settlements, duration, pages, conversions)
	return &BillingMetrics{
		webhooks:    webhooks,
		settlements: settlements,
		duration:    duration,
		pages:       pages,
		conversions: conversions,
	}
}

// IncWebhook counts one webhook delivery.
func (b *BillingMetrics) IncWebhook(eventType, outcome string) {
	if b == nil || b.webhooks == nil {
		return
	}
	b.webhooks.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// IncSettlement counts one settlement attempt.
func (b *BillingMetrics) IncSettlement(kind, outcome string) {
	if b == nil || b.settlements == nil {
		return
	}
	b.settlements.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// ObserveSettlement records how long a settlement transaction took.
func (b *BillingMetrics) ObserveSettlement(kind string, d time.Duration) {
	if b == nil || b.duration == nil {
		return
	}
	b.duration.WithLabelValues(normalizeLabel(kind)).Observe(d.Seconds())
}

// AddPagesConsumed counts pages drawn from source.
func (b *BillingMetrics) AddPagesConsumed(source string, pages int64) {
	if b == nil || b.pages == nil || pages <= 0 {
		return
	}
	b.pages.WithLabelValues(normalizeLabel(source)).Add(float64(pages))
}

// IncConversion counts one conversion attempt.
func (b *BillingMetrics) IncConversion(outcome string) {
	if b == nil || b.conversions == nil {
		return
	}
	b.conversions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
