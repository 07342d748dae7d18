// Package metrics exports interrupt statistics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyrange/irqcore/internal/irq"
)

const namespace = "irqcore"

// Probe outcome labels.
const (
	ProbeNone      = "none"
	ProbeFound     = "found"
	ProbeAmbiguous = "ambiguous"
	ProbeAborted   = "aborted"
)

// Source is the read side of an interrupt subsystem.
type Source interface {
	Lines() int
	Stats(line uint) (irq.LineStats, error)
}

// Metrics holds the registry and the metrics recorded outside the collector.
type Metrics struct {
	Info          *prometheus.GaugeVec
	ProbeSessions *prometheus.CounterVec
	TriggersTotal prometheus.Counter

	registry *prometheus.Registry
}

// New registers a collector over src together with the Go runtime collectors.
func New(src Source) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.Info = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Platform information with labels for lines and cpus",
		},
		[]string{"lines", "cpus"},
	)

	m.ProbeSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "sessions_total",
			Help:      "Autodetection sessions by outcome",
		},
		[]string{"result"},
	)

	m.TriggersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "triggers_total",
			Help:      "Device triggers raised by the simulator",
		},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Info,
		m.ProbeSessions,
		m.TriggersTotal,
		newLineCollector(src),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		m.registry,
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	)
}

// SetInfo records the platform size.
func (m *Metrics) SetInfo(lines, cpus int) {
	m.Info.Reset()
	m.Info.WithLabelValues(strconv.Itoa(lines), strconv.Itoa(cpus)).Set(1)
}

// RecordProbe classifies a ProbeOff result.
func (m *Metrics) RecordProbe(result int) {
	switch {
	case result == 0:
		m.ProbeSessions.WithLabelValues(ProbeNone).Inc()
	case result < 0:
		m.ProbeSessions.WithLabelValues(ProbeAmbiguous).Inc()
	default:
		m.ProbeSessions.WithLabelValues(ProbeFound).Inc()
	}
}

// RecordProbeAborted counts a session that ended with an error.
func (m *Metrics) RecordProbeAborted() {
	m.ProbeSessions.WithLabelValues(ProbeAborted).Inc()
}
