// Package telemetry exposes pipeline counters, gauges, and histograms in
// Prometheus exposition form.
package telemetry

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// histogramWindow bounds how many samples a histogram retains.
const histogramWindow = 1000

// Registry collects named counters, gauges, and histograms. Counters are
// lock-free atomics; histograms retain a window of recent samples and are
// exported as _avg/_min/_max gauges. Registry implements
// prometheus.Collector so it can be served by promhttp.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*atomic.Int64
	gauges     map[string]*atomic.Uint64
	histograms map[string]*histogram
}

type histogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*atomic.Int64),
		gauges:     make(map[string]*atomic.Uint64),
		histograms: make(map[string]*histogram),
	}
}

// IncCounter increments the named counter by one.
func (r *Registry) IncCounter(name string) {
	r.AddCounter(name, 1)
}

// AddCounter increments the named counter by n.
func (r *Registry) AddCounter(name string, n int64) {
	r.counter(name).Add(n)
}

// Counter returns the current value of the named counter.
func (r *Registry) Counter(name string) int64 {
	return r.counter(name).Load()
}

// SetGauge sets the named gauge.
func (r *Registry) SetGauge(name string, v float64) {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		g, ok = r.gauges[name]
		if !ok {
			g = &atomic.Uint64{}
			r.gauges[name] = g
		}
		r.mu.Unlock()
	}
	g.Store(math.Float64bits(v))
}

// Gauge returns the current value of the named gauge.
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return math.Float64frombits(g.Load())
}

// Observe records one histogram sample. Only the most recent
// histogramWindow samples contribute to the exported _avg/_min/_max.
func (r *Registry) Observe(name string, v float64) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		h, ok = r.histograms[name]
		if !ok {
			h = &histogram{samples: make([]float64, 0, histogramWindow)}
			r.histograms[name] = h
		}
		r.mu.Unlock()
	}
	h.mu.Lock()
	if len(h.samples) < histogramWindow {
		h.samples = append(h.samples, v)
	} else {
		h.samples[h.next] = v
	}
	h.next = (h.next + 1) % histogramWindow
	h.mu.Unlock()
}

func (r *Registry) counter(name string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok = r.counters[name]
	if !ok {
		c = &atomic.Int64{}
		r.counters[name] = c
	}
	return c
}

func (h *histogram) stats() (avg, minV, maxV float64, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == 0 {
		return 0, 0, 0, 0
	}
	minV = h.samples[0]
	maxV = h.samples[0]
	sum := 0.0
	for _, v := range h.samples {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return sum / float64(len(h.samples)), minV, maxV, len(h.samples)
}

// Describe implements prometheus.Collector. The metric set is dynamic, so
// the registry is an unchecked collector.
func (r *Registry) Describe(_ chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.counters {
		desc := prometheus.NewDesc(name, name+" counter", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(c.Load()))
	}
	for name, g := range r.gauges {
		desc := prometheus.NewDesc(name, name+" gauge", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, math.Float64frombits(g.Load()))
	}
	for name, h := range r.histograms {
		avg, minV, maxV, n := h.stats()
		if n == 0 {
			continue
		}
		for suffix, v := range map[string]float64{"_avg": avg, "_min": minV, "_max": maxV} {
			desc := prometheus.NewDesc(name+suffix, name+suffix+" gauge", nil, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
		}
	}
}

// Handler returns an http.Handler serving the registry in Prometheus
// exposition form.
func (r *Registry) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(r)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
