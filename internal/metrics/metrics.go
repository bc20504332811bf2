// Package metrics exposes the agent's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/transport"
)

const namespace = "tidelink"

// Metrics holds every instrument, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Submitted        *prometheus.CounterVec
	Outcomes         *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	Attempts         *prometheus.CounterVec
	SendLatency      *prometheus.HistogramVec
	TransportState   *prometheus.GaugeVec
	TransportSignal  *prometheus.GaugeVec
	CompressionRatio *prometheus.HistogramVec
}

// New builds and registers the instruments, plus Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "submitted_total",
				Help:      "Messages accepted for delivery",
			},
			[]string{"priority"},
		),

		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "outcomes_total",
				Help:      "Messages reaching a terminal status",
			},
			[]string{"priority", "status"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Messages waiting in the transmission queue",
			},
		),

		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "attempts_total",
				Help:      "Send attempts per transport and result",
			},
			[]string{"transport", "result"},
		),

		SendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "send_duration_seconds",
				Help:      "Time from handing a frame to a link until it is acknowledged",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"transport"},
		),

		TransportState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=ready, 3=degraded, 4=failed)",
			},
			[]string{"transport"},
		),

		TransportSignal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "signal",
				Help:      "Last signal quality sample 0-100, -1 when the medium has none",
			},
			[]string{"transport"},
		),

		CompressionRatio: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "compression",
				Name:      "ratio",
				Help:      "Encoded size over original size",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
			},
			[]string{"method"},
		),
	}

	m.registry.MustRegister(
		m.Submitted,
		m.Outcomes,
		m.QueueDepth,
		m.Attempts,
		m.SendLatency,
		m.TransportState,
		m.TransportSignal,
		m.CompressionRatio,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSubmitted counts an accepted message.
func (m *Metrics) RecordSubmitted(p message.Priority) {
	if m == nil {
		return
	}
	m.Submitted.WithLabelValues(p.String()).Inc()
}

// RecordOutcome counts a terminal message.
func (m *Metrics) RecordOutcome(o message.Outcome) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(o.Priority.String(), string(o.Status)).Inc()
}

// RecordQueueDepth sets the queue depth gauge.
func (m *Metrics) RecordQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordAttempt counts one send and, on success, its latency.
func (m *Metrics) RecordAttempt(name string, err error, latency time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if kind, ok := transport.KindOf(err); ok {
			result = kind.String()
		}
	} else {
		m.SendLatency.WithLabelValues(name).Observe(latency.Seconds())
	}
	m.Attempts.WithLabelValues(name, result).Inc()
}

// RecordTransport publishes a transport snapshot.
func (m *Metrics) RecordTransport(s transport.Snapshot) {
	if m == nil {
		return
	}
	m.TransportState.WithLabelValues(s.Name).Set(float64(s.State))
	signal := -1.0
	if s.SignalKnown {
		signal = float64(s.Signal)
	}
	m.TransportSignal.WithLabelValues(s.Name).Set(signal)
}

// RecordCompression observes an encoding's ratio.
func (m *Metrics) RecordCompression(method string, ratio float64) {
	if m == nil {
		return
	}
	m.CompressionRatio.WithLabelValues(method).Observe(ratio)
}
