package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-memory implementation of Metrics.
type Memory struct {
	mu         sync.RWMutex
	counters   map[string]*memoryCounter
	gauges     map[string]*memoryGauge
	histograms map[string]*memoryHistogram
}

// NewMemory creates a new in-memory metrics instance.
func NewMemory() *Memory {
	return &Memory{
		counters:   make(map[string]*memoryCounter),
		gauges:     make(map[string]*memoryGauge),
		histograms: make(map[string]*memoryHistogram),
	}
}

// labelsKey builds a stable key; label order does not matter.
func labelsKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// Counter returns a counter metric.
func (m *Memory) Counter(name string, labels Labels) Counter {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[key]; ok {
		return c
	}

	c := &memoryCounter{}
	m.counters[key] = c
	return c
}

// Gauge returns a gauge metric.
func (m *Memory) Gauge(name string, labels Labels) Gauge {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.gauges[key]; ok {
		return g
	}

	g := &memoryGauge{}
	m.gauges[key] = g
	return g
}

// Histogram returns a histogram metric.
func (m *Memory) Histogram(name string, labels Labels) Histogram {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histograms[key]; ok {
		return h
	}

	h := &memoryHistogram{}
	m.histograms[key] = h
	return h
}

// CounterValue returns the value of a counter, or 0 if it was never touched.
func (m *Memory) CounterValue(name string, labels Labels) float64 {
	key := labelsKey(name, labels)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.counters[key]; ok {
		return c.Value()
	}
	return 0
}

// Snapshot returns every counter and gauge value keyed by name and labels.
func (m *Memory) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, c := range m.counters {
		out[k] = c.Value()
	}
	for k, g := range m.gauges {
		out[k] = g.Value()
	}
	return out
}

type memoryCounter struct {
	value atomic.Uint64
}

func (c *memoryCounter) Inc() { c.Add(1) }

func (c *memoryCounter) Add(delta float64) { addFloat(&c.value, delta) }

func (c *memoryCounter) Value() float64 { return math.Float64frombits(c.value.Load()) }

type memoryGauge struct {
	value atomic.Uint64
}

func (g *memoryGauge) Set(value float64) { g.value.Store(math.Float64bits(value)) }

func (g *memoryGauge) Inc() { addFloat(&g.value, 1) }

func (g *memoryGauge) Dec() { addFloat(&g.value, -1) }

func (g *memoryGauge) Value() float64 { return math.Float64frombits(g.value.Load()) }

type memoryHistogram struct {
	count atomic.Uint64
	sum   atomic.Uint64
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	addFloat(&h.sum, value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

func (h *memoryHistogram) Count() uint64 { return h.count.Load() }

func (h *memoryHistogram) Sum() float64 { return math.Float64frombits(h.sum.Load()) }

func addFloat(v *atomic.Uint64, delta float64) {
	for {
		old := v.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}
