package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements ratekeeper.Metrics using Prometheus. Identity labels
// are deliberately dropped: user IDs and source addresses would blow up
// series cardinality.
type Metrics struct {
	checksTotal        *prometheus.CounterVec
	checkDuration      *prometheus.HistogramVec
	storeOpsDuration   *prometheus.HistogramVec
	storeOpsErrors     *prometheus.CounterVec
	failOpenTotal      *prometheus.CounterVec
	recorderDrops      prometheus.Counter
	inFlightObserved   prometheus.Histogram
	breakerTransitions *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Total number of rate limit checks by outcome.",
		}, []string{"endpoint", "outcome"}),

		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of full rate limit checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		failOpenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Total number of checks resolved by the failure policy instead of a store decision.",
		}, []string{"stage"}),

		recorderDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_dropped_events_total",
			Help:      "Total number of usage events dropped by the full recorder queue.",
		}),

		inFlightObserved: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Distribution of in-flight request counts observed at Start and End.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),

		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCheck(_, endpoint, reason string, _ bool) {
	m.checksTotal.WithLabelValues(endpoint, reason).Inc()
}

func (m *Metrics) RecordCheckDuration(endpoint string, duration time.Duration) {
	m.checkDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordFailOpen(stage string) {
	m.failOpenTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordRecorderDrop() {
	m.recorderDrops.Inc()
}

func (m *Metrics) RecordConcurrency(_ string, inFlight int) {
	m.inFlightObserved.Observe(float64(inFlight))
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.breakerTransitions.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
