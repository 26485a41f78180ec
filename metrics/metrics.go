/*
Package metrics implements an in-process Prometheus-shaped metrics
registry: Counter/Gauge/Histogram keyed by name plus a sorted label
string, exactly the teacher's observability.Metrics registry, scoped
down to the event-processing engine's own metric names.
*/
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing value.
type Counter struct {
	value int64
}

func (c *Counter) Inc()        { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64) { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can move up and down. Stored as micros for
// float-like precision without a lock.
type Gauge struct {
	value int64
}

func (g *Gauge) Set(v float64)  { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *Gauge) Inc()           { atomic.AddInt64(&g.value, 1e6) }
func (g *Gauge) Dec()           { atomic.AddInt64(&g.value, -1e6) }
func (g *Gauge) Value() float64 { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

// Histogram tracks a value distribution over fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// NewHistogram creates a histogram with the given upper bucket bounds,
// plus an implicit +Inf bucket.
func NewHistogram(buckets []float64) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &Histogram{
		buckets: sorted,
		counts:  make([]int64, len(sorted)+1),
	}
}

// Observe records one sample.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// Registry is the central metrics registry for the engine's cdp.*
// metric family (events.buffered/processed/late/dropped/dedup_hits,
// segments.enter/exit/evaluations, watermark.lag_ms).
type Registry struct {
	namespace string

	mu         sync.RWMutex
	counters   map[string]map[string]*Counter
	gauges     map[string]map[string]*Gauge
	histograms map[string]map[string]*Histogram

	latencyBuckets []float64
}

// NewRegistry creates an empty registry under the given metric namespace
// (e.g. "cdp" — metric names are published as "<namespace>.<name>").
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "cdp"
	}
	return &Registry{
		namespace:      namespace,
		counters:       make(map[string]map[string]*Counter),
		gauges:         make(map[string]map[string]*Gauge),
		histograms:     make(map[string]map[string]*Histogram),
		latencyBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}
}

func (r *Registry) qualify(name string) string {
	return r.namespace + "." + name
}

// CounterInc increments the named counter by 1.
func (r *Registry) CounterInc(name string, labels map[string]string) {
	r.getCounter(name, labels).Inc()
}

// CounterAdd adds n to the named counter.
func (r *Registry) CounterAdd(name string, labels map[string]string, n int64) {
	r.getCounter(name, labels).Add(n)
}

// CounterValue returns the current value of the named counter.
func (r *Registry) CounterValue(name string, labels map[string]string) int64 {
	return r.getCounter(name, labels).Value()
}

func (r *Registry) getCounter(name string, labels map[string]string) *Counter {
	name = r.qualify(name)
	key := labelKey(labels)

	r.mu.RLock()
	if byName, ok := r.counters[name]; ok {
		if c, ok := byName[key]; ok {
			r.mu.RUnlock()
			return c
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; !ok {
		r.counters[name] = make(map[string]*Counter)
	}
	if _, ok := r.counters[name][key]; !ok {
		r.counters[name][key] = &Counter{}
	}
	return r.counters[name][key]
}

// GaugeSet sets the named gauge to v.
func (r *Registry) GaugeSet(name string, labels map[string]string, v float64) {
	r.getGauge(name, labels).Set(v)
}

// GaugeValue returns the current value of the named gauge.
func (r *Registry) GaugeValue(name string, labels map[string]string) float64 {
	return r.getGauge(name, labels).Value()
}

func (r *Registry) getGauge(name string, labels map[string]string) *Gauge {
	name = r.qualify(name)
	key := labelKey(labels)

	r.mu.RLock()
	if byName, ok := r.gauges[name]; ok {
		if g, ok := byName[key]; ok {
			r.mu.RUnlock()
			return g
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gauges[name]; !ok {
		r.gauges[name] = make(map[string]*Gauge)
	}
	if _, ok := r.gauges[name][key]; !ok {
		r.gauges[name][key] = &Gauge{}
	}
	return r.gauges[name][key]
}

// HistogramObserve records v against the named histogram.
func (r *Registry) HistogramObserve(name string, labels map[string]string, v float64) {
	r.getHistogram(name, labels).Observe(v)
}

func (r *Registry) getHistogram(name string, labels map[string]string) *Histogram {
	name = r.qualify(name)
	key := labelKey(labels)

	r.mu.RLock()
	if byName, ok := r.histograms[name]; ok {
		if h, ok := byName[key]; ok {
			r.mu.RUnlock()
			return h
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histograms[name]; !ok {
		r.histograms[name] = make(map[string]*Histogram)
	}
	if _, ok := r.histograms[name][key]; !ok {
		r.histograms[name][key] = NewHistogram(r.latencyBuckets)
	}
	return r.histograms[name][key]
}
