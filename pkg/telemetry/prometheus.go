package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMeter backs the Meter interface with a real prometheus.Registry. The
// Meter interface takes metric name and labels per call rather than
// pre-declared vectors, so PromMeter lazily creates and caches a
// CounterVec/GaugeVec/HistogramVec the first time each name is observed,
// keyed on its label set -- subsequent calls with the same name must carry
// the same label keys or Prometheus's own registration check will reject
// them, which IncCounter/SetGauge/ObserveHistogram surface as an error
// rather than a panic.
type PromMeter struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromMeter wires a fresh registry plus the standard process/Go runtime
// collectors, matching the shape operators expect from a /metrics
// endpoint.
func NewPromMeter() *PromMeter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())
	return &PromMeter{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying prometheus.Registry so cmd/* can mount
// promhttp.HandlerFor at /metrics.
func (m *PromMeter) Registry() *prometheus.Registry { return m.reg }

func labelKeys(l Labels) []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func vecKey(name string, keys []string) string {
	return name + "|" + strings.Join(keys, ",")
}

func (m *PromMeter) IncCounter(ctx context.Context, name string, delta int64, labels Labels) error {
	keys := labelKeys(labels)
	m.mu.Lock()
	vec, ok := m.counters[vecKey(name, keys)]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: promName(name), Help: name}, keys)
		m.reg.MustRegister(vec)
		m.counters[vecKey(name, keys)] = vec
	}
	m.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Add(float64(delta))
	return nil
}

func (m *PromMeter) SetGauge(ctx context.Context, name string, value float64, labels Labels) error {
	keys := labelKeys(labels)
	m.mu.Lock()
	vec, ok := m.gauges[vecKey(name, keys)]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: promName(name), Help: name}, keys)
		m.reg.MustRegister(vec)
		m.gauges[vecKey(name, keys)] = vec
	}
	m.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Set(value)
	return nil
}

func (m *PromMeter) ObserveHistogram(ctx context.Context, name string, value float64, buckets []float64, labels Labels) error {
	keys := labelKeys(labels)
	m.mu.Lock()
	vec, ok := m.histograms[vecKey(name, keys)]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: promName(name), Help: name, Buckets: buckets}, keys)
		m.reg.MustRegister(vec)
		m.histograms[vecKey(name, keys)] = vec
	}
	m.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Observe(value)
	return nil
}

// promName rewrites the dashes/colons ValidateMetricName allows (and any
// dots) into underscores; Prometheus metric names are stricter than label
// values.
func promName(name string) string {
	return strings.NewReplacer("-", "_", ":", "_", ".", "_").Replace(name)
}

var _ Meter = (*PromMeter)(nil)
