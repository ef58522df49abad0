// Package promexport implements telemetry.Metrics on top of
// github.com/prometheus/client_golang, the metrics library used throughout
// the retrieved pack (kubernaut, legator) for exactly this kind of
// counter/histogram/gauge surface.
package promexport

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics registers and records Prometheus counter/histogram/gauge vectors
// keyed by metric name. Label names are derived from the first call to each
// metric name and must stay consistent across calls (a Prometheus
// requirement); callers that vary label keys across calls will get a
// registration panic from the underlying client, matching upstream
// behavior.
type Metrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// New creates a Metrics backed by registry. Pass prometheus.NewRegistry() or
// prometheus.DefaultRegisterer wrapped appropriately.
func New(registry *prometheus.Registry) *Metrics {
	return &Metrics{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (m *Metrics) IncCounter(name string, value float64, labels ...string) {
	keys, values := split(labels)
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: sanitize(name)}, keys)
		m.registry.MustRegister(c)
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.WithLabelValues(values...).Add(value)
}

func (m *Metrics) RecordTimer(name string, d time.Duration, labels ...string) {
	keys, values := split(labels)
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    sanitize(name),
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, keys)
		m.registry.MustRegister(h)
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.WithLabelValues(values...).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) RecordGauge(name string, value float64, labels ...string) {
	keys, values := split(labels)
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sanitize(name)}, keys)
		m.registry.MustRegister(g)
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.WithLabelValues(values...).Set(value)
}

func split(labels []string) (keys, values []string) {
	for i := 0; i+1 < len(labels); i += 2 {
		keys = append(keys, labels[i])
		values = append(values, labels[i+1])
	}
	return keys, values
}

// sanitize replaces dots and dashes with underscores since Prometheus metric
// names must match [a-zA-Z_:][a-zA-Z0-9_:]*, while names passed to Metrics
// may contain either.
func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}
