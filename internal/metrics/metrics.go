// internal/metrics/metrics.go

// Package metrics exposes gateway counters to Prometheus.
//
// All recording methods are nil-safe so callers never guard on a disabled
// metrics config.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "plcgw"

// Metrics holds every gateway collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ticks         *prometheus.CounterVec
	linkErrors    *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	commands      *prometheus.CounterVec
	sampleLatency prometheus.Histogram
	connected     prometheus.Gauge
	cleanupTotal  prometheus.Counter
	mirrorErrors  prometheus.Counter
}

// New builds and registers the collectors, plus Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Gateway loop iterations by session state",
		}, []string{"state"}),
		linkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_errors_total",
			Help:      "Controller link failures by operation",
		}, []string{"op"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Remote store failures by operation",
		}, []string{"op"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Dispatched commands by result",
		}, []string{"result"}),
		sampleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sample_latency_seconds",
			Help:      "Time to read all three controller regions",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the controller session is connected",
		}),
		cleanupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Telemetry records deleted by retention cleanup",
		}),
		mirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_errors_total",
			Help:      "Failed NATS mirror publishes",
		}),
	}

	m.registry.MustRegister(
		m.ticks,
		m.linkErrors,
		m.storeErrors,
		m.commands,
		m.sampleLatency,
		m.connected,
		m.cleanupTotal,
		m.mirrorErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Tick(state string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(state).Inc()
}

func (m *Metrics) LinkError(op string) {
	if m == nil {
		return
	}
	m.linkErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// Command records one dispatch outcome: applied, rejected, skipped or failed.
func (m *Metrics) Command(result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSample(d time.Duration) {
	if m == nil {
		return
	}
	m.sampleLatency.Observe(d.Seconds())
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) CleanupDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupTotal.Add(float64(n))
}

func (m *Metrics) MirrorError() {
	if m == nil {
		return
	}
	m.mirrorErrors.Inc()
}
