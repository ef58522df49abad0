package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics adapts an OpenTelemetry meter to telemetry.Metrics. Instruments are
// created lazily on first use and cached by name, since the set of
// counter/histogram/gauge names is not known until they are first recorded.
type Metrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewMetrics wraps meter (obtained via otel.Meter("github.com/runctl/engine"))
// for use as telemetry.Metrics.
func NewMetrics(meter metric.Meter) *Metrics {
	return &Metrics{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (m *Metrics) IncCounter(name string, value float64, labels ...string) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(context.Background(), value, metric.WithAttributes(kvAttrs(labels)...))
}

func (m *Metrics) RecordTimer(name string, d time.Duration, labels ...string) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(kvAttrs(labels)...))
}

func (m *Metrics) RecordGauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(kvAttrs(labels)...))
}

// kvAttrs turns an alternating label/value string slice into attributes.
func kvAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
