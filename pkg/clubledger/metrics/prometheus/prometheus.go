package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements clubledger.Metrics using Prometheus.
type Metrics struct {
	ingestTotal      *prometheus.CounterVec
	ingestDuration   *prometheus.HistogramVec
	levelUpsTotal    *prometheus.CounterVec
	benefitsTotal    *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	batchUsersTotal  prometheus.Counter
	batchGroupErrors prometheus.Counter
	batchItemErrors  prometheus.Counter
	batchRunDuration prometheus.Histogram
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_ingest_total",
			Help:      "Total number of payment ingest attempts.",
		}, []string{"outcome"}),

		ingestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_ingest_duration_seconds",
			Help:      "Latency of payment ingestion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		levelUpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loyalty_level_ups_total",
			Help:      "Total number of loyalty tier upgrades.",
		}, []string{"tier"}),

		benefitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loyalty_benefits_redeemed_total",
			Help:      "Total number of benefit redemptions.",
		}, []string{"tier", "code"}),

		rateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denials_total",
			Help:      "Total number of requests shed by the admission limiter.",
		}, []string{"class"}),

		batchUsersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_users_total",
			Help:      "Total number of users walked by loyalty sweeps.",
		}),

		batchGroupErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_group_errors_total",
			Help:      "Total number of sweep groups rolled back.",
		}),

		batchItemErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_item_errors_total",
			Help:      "Total number of per-user sweep errors.",
		}),

		batchRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_run_duration_seconds",
			Help:      "Duration of loyalty sweeps.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
}

func (m *Metrics) RecordIngest(outcome string, duration time.Duration) {
	m.ingestTotal.WithLabelValues(outcome).Inc()
	m.ingestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordLevelUp(tier string) {
	m.levelUpsTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordBenefit(tier, code string) {
	m.benefitsTotal.WithLabelValues(tier, code).Inc()
}

func (m *Metrics) RecordRateLimitDenial(class string) {
	m.rateLimitDenials.WithLabelValues(class).Inc()
}

func (m *Metrics) RecordBatchRun(users, failedGroups, itemErrors int, duration time.Duration) {
	m.batchUsersTotal.Add(float64(users))
	m.batchGroupErrors.Add(float64(failedGroups))
	m.batchItemErrors.Add(float64(itemErrors))
	m.batchRunDuration.Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
