package elbus

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics is an in-memory implementation of Metrics for testing.
type MemoryMetrics struct {
	mu     sync.RWMutex
	series map[string]*memorySeries
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		series: make(map[string]*memorySeries),
	}
}

// seriesKey builds a stable key from the metric type, name and sorted labels.
func seriesKey(t MetricType, name string, labels MetricLabels) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteByte(':')
	sb.WriteString(name)

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func (m *MemoryMetrics) get(t MetricType, name string, labels MetricLabels, create bool) *memorySeries {
	key := seriesKey(t, name, labels)

	m.mu.RLock()
	s, ok := m.series[key]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.series[key]; ok {
		return s
	}
	s = &memorySeries{}
	m.series[key] = s
	return s
}

// Counter returns a counter metric.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return m.get(MetricTypeCounter, name, labels, true)
}

// Gauge returns a gauge metric.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return m.get(MetricTypeGauge, name, labels, true)
}

// Histogram returns a histogram metric.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return m.get(MetricTypeHistogram, name, labels, true)
}

// CounterValue returns the value of a counter, or 0 if it was never touched.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	if s := m.get(MetricTypeCounter, name, labels, false); s != nil {
		return s.Value()
	}
	return 0
}

// GaugeValue returns the value of a gauge, or 0 if it was never touched.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	if s := m.get(MetricTypeGauge, name, labels, false); s != nil {
		return s.Value()
	}
	return 0
}

// HistogramCount returns the number of observations of a histogram.
func (m *MemoryMetrics) HistogramCount(name string, labels MetricLabels) uint64 {
	if s := m.get(MetricTypeHistogram, name, labels, false); s != nil {
		return s.Count()
	}
	return 0
}

// memorySeries backs all three metric types: the value is the counter or
// gauge value, or the histogram sum.
type memorySeries struct {
	bits  atomic.Uint64
	count atomic.Uint64
}

func (s *memorySeries) Add(delta float64) {
	for {
		old := s.bits.Load()
		if s.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

func (s *memorySeries) Set(value float64)               { s.bits.Store(math.Float64bits(value)) }
func (s *memorySeries) Inc()                            { s.Add(1) }
func (s *memorySeries) Dec()                            { s.Add(-1) }
func (s *memorySeries) Sub(delta float64)               { s.Add(-delta) }
func (s *memorySeries) Value() float64                  { return math.Float64frombits(s.bits.Load()) }
func (s *memorySeries) Count() uint64                   { return s.count.Load() }
func (s *memorySeries) Sum() float64                    { return s.Value() }
func (s *memorySeries) ObserveDuration(d time.Duration) { s.Observe(d.Seconds()) }

func (s *memorySeries) Observe(value float64) {
	s.count.Add(1)
	s.Add(value)
}
