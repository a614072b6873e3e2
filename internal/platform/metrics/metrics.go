package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the write path.
const (
	OutcomeStored   = "stored"
	OutcomeDropped  = "dropped"
	OutcomeFailed   = "failed"
	OutcomeEnqueued = "enqueued"
	OutcomeRejected = "rejected"
	OutcomeDisabled = "disabled"
	OutcomeTripped  = "circuit_open"
)

// Metrics holds the Prometheus metrics of the audit write path: the
// producer-side publisher and the queue-side writer.
type Metrics struct {
	WriterMessages    *prometheus.CounterVec
	WriterBatchSize   prometheus.Histogram
	PublisherEntries  *prometheus.CounterVec
	PublisherBreaker  prometheus.Gauge
	TransportRequeued *prometheus.CounterVec
}

// New creates and registers all write path metrics.
func New() *Metrics {
	return &Metrics{
		WriterMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_writer_messages_total",
			Help: "Queue messages handled by the writer by outcome",
		}, []string{"outcome"}),
		WriterBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "audittrail_writer_batch_size",
			Help:    "Messages per batch delivered to the writer",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		PublisherEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_publisher_entries_total",
			Help: "Audit entries offered to the publisher by operation and outcome",
		}, []string{"operation", "outcome"}),
		PublisherBreaker: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "audittrail_publisher_circuit_open",
			Help: "1 while the publisher's circuit breaker is open",
		}),
		TransportRequeued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_transport_redeliveries_total",
			Help: "Messages handed back to the queue by transport and destination",
		}, []string{"transport", "destination"}),
	}
}

// IncrementWriterOutcome counts one message outcome.
func (m *Metrics) IncrementWriterOutcome(outcome string) {
	if m != nil {
		m.WriterMessages.WithLabelValues(outcome).Inc()
	}
}

// ObserveBatch records a batch size.
func (m *Metrics) ObserveBatch(n int) {
	if m != nil {
		m.WriterBatchSize.Observe(float64(n))
	}
}

// IncrementPublisherOutcome counts one publish attempt.
func (m *Metrics) IncrementPublisherOutcome(operation, outcome string) {
	if m != nil {
		m.PublisherEntries.WithLabelValues(operation, outcome).Inc()
	}
}

// SetBreakerOpen mirrors the publisher's breaker state.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.PublisherBreaker.Set(1)
	} else {
		m.PublisherBreaker.Set(0)
	}
}

// IncrementRequeued counts a message sent back for retry or to the dead-letter destination.
func (m *Metrics) IncrementRequeued(transport, destination string) {
	if m != nil {
		m.TransportRequeued.WithLabelValues(transport, destination).Inc()
	}
}
