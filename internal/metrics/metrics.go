// Package metrics holds the Prometheus collectors of the telemetry pipeline.
// Every method is safe to call on a nil *Metrics, so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vineguard"

// Metrics contains the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	ReadingsGenerated prometheus.Counter
	AlertsEmitted     *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	SendFailures      prometheus.Counter
	Connections       prometheus.Gauge
	Groups            prometheus.Gauge
	TickDuration      prometheus.Histogram
	OwnerFailures     prometheus.Counter
	SinkFailures      *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ReadingsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulator",
			Name:      "readings_generated_total",
			Help:      "Total number of sensor readings generated",
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thresholds",
			Name:      "alerts_emitted_total",
			Help:      "Total number of alerts emitted by kind",
		}, []string{"kind"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_sent_total",
			Help:      "Messages delivered to connections by fan-out scope",
		}, []string{"scope"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "send_failures_total",
			Help:      "Per-connection send failures that caused a disconnect",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Currently registered connections",
		}),
		Groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "groups",
			Help:      "Currently non-empty groups",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one generation tick across all owners",
			Buckets:   prometheus.DefBuckets,
		}),
		OwnerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "owner_failures_total",
			Help:      "Owners whose processing failed during a tick",
		}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "sink_failures_total",
			Help:      "Failed writes by sink",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		m.ReadingsGenerated,
		m.AlertsEmitted,
		m.MessagesSent,
		m.SendFailures,
		m.Connections,
		m.Groups,
		m.TickDuration,
		m.OwnerFailures,
		m.SinkFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReadingGenerated() {
	if m != nil {
		m.ReadingsGenerated.Inc()
	}
}

func (m *Metrics) AlertEmitted(kind string) {
	if m != nil {
		m.AlertsEmitted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Sent(scope string, n int) {
	if m != nil && n > 0 {
		m.MessagesSent.WithLabelValues(scope).Add(float64(n))
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

func (m *Metrics) SetGroups(n int) {
	if m != nil {
		m.Groups.Set(float64(n))
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) OwnerFailed() {
	if m != nil {
		m.OwnerFailures.Inc()
	}
}

func (m *Metrics) SinkFailed(sink string) {
	if m != nil {
		m.SinkFailures.WithLabelValues(sink).Inc()
	}
}
