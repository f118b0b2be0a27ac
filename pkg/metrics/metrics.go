// Package metrics exposes a replica's protocol activity to Prometheus
// via a struct of promauto-constructed counters, gauges, and
// histograms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram a replica reports. It
// satisfies internal/consensus.MetricsRecorder so a *Replica can be
// handed one directly.
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec

	view       prometheus.Gauge
	viewRaises prometheus.Counter

	faultTolerance prometheus.Gauge
	clusterSize    prometheus.Gauge

	clientRequestLatency   prometheus.Histogram
	clientRequestsTotal    *prometheus.CounterVec
	clientRequestsInFlight prometheus.Gauge
}

// NewMetrics registers and returns a fresh Metrics. Registering twice
// against the default registry panics, as with any promauto metric;
// callers construct exactly one per process.
func NewMetrics() *Metrics {
	return &Metrics{
		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pbftsim_messages_sent_total",
			Help: "Total protocol messages sent, by RPC kind.",
		}, []string{"kind"}),

		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pbftsim_messages_received_total",
			Help: "Total protocol messages received, by RPC kind.",
		}, []string{"kind"}),

		view: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pbftsim_view",
			Help: "Current view number believed by this replica.",
		}),

		viewRaises: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pbftsim_view_raises_total",
			Help: "Total number of times this replica raised its view.",
		}),

		faultTolerance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pbftsim_fault_tolerance",
			Help: "Number of Byzantine replicas the cluster tolerates (f).",
		}),

		clusterSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pbftsim_cluster_size",
			Help: "Total replica count (n = 3f+1).",
		}),

		clientRequestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbftsim_client_request_duration_seconds",
			Help:    "Latency of submit_client_request calls handled as primary.",
			Buckets: prometheus.DefBuckets,
		}),

		clientRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pbftsim_client_requests_total",
			Help: "Total client requests handled as primary, by outcome.",
		}, []string{"committed"}),

		clientRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pbftsim_client_requests_in_flight",
			Help: "Client requests currently being processed as primary.",
		}),
	}
}

// SetClusterShape records the fixed membership parameters at startup.
func (m *Metrics) SetClusterShape(f, n int) {
	m.faultTolerance.Set(float64(f))
	m.clusterSize.Set(float64(n))
}

// IncClientRequestsInFlight implements consensus.MetricsRecorder.
func (m *Metrics) IncClientRequestsInFlight() {
	m.clientRequestsInFlight.Inc()
}

// DecClientRequestsInFlight implements consensus.MetricsRecorder.
func (m *Metrics) DecClientRequestsInFlight() {
	m.clientRequestsInFlight.Dec()
}

// MessageSent implements consensus.MetricsRecorder.
func (m *Metrics) MessageSent(kind string) {
	m.messagesSent.WithLabelValues(kind).Inc()
}

// MessageReceived implements consensus.MetricsRecorder.
func (m *Metrics) MessageReceived(kind string) {
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// ViewRaised implements consensus.MetricsRecorder.
func (m *Metrics) ViewRaised(view uint64) {
	m.view.Set(float64(view))
	m.viewRaises.Inc()
}

// ClientRequestLatency implements consensus.MetricsRecorder.
func (m *Metrics) ClientRequestLatency(seconds float64) {
	m.clientRequestLatency.Observe(seconds)
}

// ClientRequestResult implements consensus.MetricsRecorder.
func (m *Metrics) ClientRequestResult(committed bool) {
	label := "false"
	if committed {
		label = "true"
	}
	m.clientRequestsTotal.WithLabelValues(label).Inc()
}

// Registry returns the Prometheus gatherer metrics were registered
// against, for wiring an HTTP /metrics handler.
func (m *Metrics) Registry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
