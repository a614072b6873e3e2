package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the read path.
type Metrics struct {
	// Query latency by shape (by_actor, by_client, all_logs)
	QueryLatency *prometheus.HistogramVec

	// Query outcomes by shape and result code
	QueryOutcome *prometheus.CounterVec

	// Store round-trips issued per query, by shape
	StoreRoundTrips *prometheus.HistogramVec

	// Fan-out partitions still open after a page
	FanoutOpenPartitions prometheus.Histogram
}

// New creates a new Metrics instance with all read path metrics registered.
func New() *Metrics {
	return &Metrics{
		QueryLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audittrail_query_duration_seconds",
			Help:    "Duration of audit log queries by shape",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"shape"}),

		QueryOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_query_outcomes_total",
			Help: "Total audit log queries by shape and outcome",
		}, []string{"shape", "outcome"}),

		StoreRoundTrips: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audittrail_query_store_round_trips",
			Help:    "Store round-trips needed to fill one page",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50},
		}, []string{"shape"}),

		FanoutOpenPartitions: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "audittrail_query_fanout_open_partitions",
			Help:    "Operation partitions left in a fan-out cursor",
			Buckets: []float64{0, 1, 2, 3, 4},
		}),
	}
}

// ObserveQuery records a finished query.
func (m *Metrics) ObserveQuery(shape, outcome string, d time.Duration, roundTrips int) {
	if m == nil {
		return
	}
	m.QueryLatency.WithLabelValues(shape).Observe(d.Seconds())
	m.QueryOutcome.WithLabelValues(shape, outcome).Inc()
	m.StoreRoundTrips.WithLabelValues(shape).Observe(float64(roundTrips))
}

// ObserveOpenPartitions records how many partitions a fan-out cursor carries.
func (m *Metrics) ObserveOpenPartitions(n int) {
	if m != nil {
		m.FanoutOpenPartitions.Observe(float64(n))
	}
}
