package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every crdtsync metric.
const Namespace = "crdtsync"

// Metrics holds all Prometheus metrics for a replica or relay server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Apply metrics
	MessagesApplied   prometheus.Counter
	MessagesSkipped   prometheus.Counter
	MessagesMalformed prometheus.Counter
	ApplyDuration     prometheus.Histogram
	ApplyFailures     prometheus.Counter

	// Sync metrics
	SyncRounds   prometheus.Histogram
	SyncOutcomes *prometheus.CounterVec
	SyncSent     prometheus.Counter
	SyncReceived prometheus.Counter

	// Relay server metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	StoredMessages  *prometheus.GaugeVec
}

// NewMetrics creates metrics registered on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith creates metrics registered on reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "apply",
			Name:      "messages_applied_total",
			Help:      "Messages newly appended to the mutation log",
		}),
		MessagesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "apply",
			Name:      "messages_already_seen_total",
			Help:      "Messages skipped because their timestamp was already logged",
		}),
		MessagesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "apply",
			Name:      "messages_malformed_total",
			Help:      "Messages dropped because they failed validation",
		}),
		ApplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "apply",
			Name:      "duration_seconds",
			Help:      "Duration of one apply batch",
			Buckets:   prometheus.DefBuckets,
		}),
		ApplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "apply",
			Name:      "storage_failures_total",
			Help:      "Apply batches aborted by a storage error",
		}),

		SyncRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "sync",
			Name:      "rounds",
			Help:      "Exchange rounds per full sync",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		SyncOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sync",
			Name:      "outcomes_total",
			Help:      "Full sync results by final phase",
		}, []string{"phase"}),
		SyncSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sync",
			Name:      "messages_sent_total",
			Help:      "Messages sent to the peer",
		}),
		SyncReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sync",
			Name:      "messages_received_total",
			Help:      "Messages received from the peer",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "HTTP requests handled by the relay server",
		}, []string{"route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Duration of relay server requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		StoredMessages: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "stored_messages",
			Help:      "Messages stored per file",
		}, []string{"file_id"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordApply records the outcome of one apply batch.
func (m *Metrics) RecordApply(duration float64, applied, skipped, malformed int) {
	if m == nil {
		return
	}
	m.ApplyDuration.Observe(duration)
	m.MessagesApplied.Add(float64(applied))
	m.MessagesSkipped.Add(float64(skipped))
	m.MessagesMalformed.Add(float64(malformed))
}

// RecordApplyFailure records an apply batch aborted by storage.
func (m *Metrics) RecordApplyFailure() {
	if m == nil {
		return
	}
	m.ApplyFailures.Inc()
}

// RecordSync records one finished full sync.
func (m *Metrics) RecordSync(phase string, rounds, sent, received int) {
	if m == nil {
		return
	}
	m.SyncOutcomes.WithLabelValues(phase).Inc()
	m.SyncRounds.Observe(float64(rounds))
	m.SyncSent.Add(float64(sent))
	m.SyncReceived.Add(float64(received))
}

// RecordRequest records one relay server request.
func (m *Metrics) RecordRequest(route, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration)
}

// UpdateStoredMessages sets the stored message count for a file.
func (m *Metrics) UpdateStoredMessages(fileID string, count int64) {
	if m == nil {
		return
	}
	m.StoredMessages.WithLabelValues(fileID).Set(float64(count))
}
