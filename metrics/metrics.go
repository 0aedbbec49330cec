// Package metrics exposes Prometheus instrumentation for content requests and existence probes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uricontent"

// Outcome labels of finished streams.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Probe result labels.
const (
	ProbeFound   = "found"
	ProbeMissing = "missing"
	ProbeError   = "error"
)

// Metrics groups the collectors of one server. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeRequests prometheus.Gauge
	streams        *prometheus.CounterVec
	bytesStreamed  prometheus.Counter
	chunks         prometheus.Counter
	probes         *prometheus.CounterVec
	connections    prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and process collectors,
// on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_requests",
			Help:      "Number of content requests currently registered.",
		}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "finished_total",
			Help:      "Content requests that reached a terminal notification, by outcome.",
		}, []string{"outcome"}),
		bytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Bytes delivered in data notifications.",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Data notifications delivered.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "total",
			Help:      "Existence checks, by result.",
		}, []string{"result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
	}

	m.registry.MustRegister(
		m.activeRequests,
		m.streams,
		m.bytesStreamed,
		m.chunks,
		m.probes,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry ...
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RequestStarted ...
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.activeRequests.Inc()
}

// RequestFinished records the terminal outcome of a registered request.
func (m *Metrics) RequestFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeRequests.Dec()
	m.streams.WithLabelValues(outcome).Inc()
}

// RequestRejected records a request that was never registered.
func (m *Metrics) RequestRejected() {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(OutcomeRejected).Inc()
}

// ChunkDelivered ...
func (m *Metrics) ChunkDelivered(size int) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.bytesStreamed.Add(float64(size))
}

// ProbeFinished ...
func (m *Metrics) ProbeFinished(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// ConnectionOpened ...
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed ...
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
