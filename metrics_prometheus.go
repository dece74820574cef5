package elbus

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on top of a Prometheus registry.
// Vectors are created on first use of a metric name; the label names of that
// first use are fixed for the lifetime of the metric.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// shadow keeps readable values, Prometheus collectors are write-only.
	shadow *MemoryMetrics
}

// NewPrometheusMetrics creates metrics backed by reg. A nil reg creates a new
// registry with the Go runtime and process collectors attached.
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &PrometheusMetrics{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		shadow:     NewMemoryMetrics(),
	}
}

// Registry returns the underlying Prometheus registry.
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler exposing the registry.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Counter returns a counter metric.
func (p *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	shadow := p.shadow.Counter(name, labels)

	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help(name)}, labelNames(labels))
		vec = register(p.registry, vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return shadow
	}
	return &promCounter{c: c, shadow: shadow}
}

// Gauge returns a gauge metric.
func (p *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	shadow := p.shadow.Gauge(name, labels)

	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help(name)}, labelNames(labels))
		vec = register(p.registry, vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return shadow
	}
	return &promGauge{g: g, shadow: shadow}
}

// Histogram returns a histogram metric.
func (p *PrometheusMetrics) Histogram(name string, labels MetricLabels) Histogram {
	shadow := p.shadow.Histogram(name, labels)

	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help(name),
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		vec = register(p.registry, vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	o, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return shadow
	}
	return &promHistogram{o: o, shadow: shadow}
}

// register adds c to reg, returning the already registered collector on conflict.
func register[C prometheus.Collector](reg *prometheus.Registry, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func labelNames(labels MetricLabels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func help(name string) string {
	return "elbus metric " + name
}

type promCounter struct {
	c      prometheus.Counter
	shadow Counter
}

func (c *promCounter) Inc()              { c.c.Inc(); c.shadow.Inc() }
func (c *promCounter) Add(delta float64) { c.c.Add(delta); c.shadow.Add(delta) }
func (c *promCounter) Value() float64    { return c.shadow.Value() }

type promGauge struct {
	g      prometheus.Gauge
	shadow Gauge
}

func (g *promGauge) Set(value float64) { g.g.Set(value); g.shadow.Set(value) }
func (g *promGauge) Inc()              { g.g.Inc(); g.shadow.Inc() }
func (g *promGauge) Dec()              { g.g.Dec(); g.shadow.Dec() }
func (g *promGauge) Add(delta float64) { g.g.Add(delta); g.shadow.Add(delta) }
func (g *promGauge) Sub(delta float64) { g.g.Sub(delta); g.shadow.Sub(delta) }
func (g *promGauge) Value() float64    { return g.shadow.Value() }

type promHistogram struct {
	o      prometheus.Observer
	shadow Histogram
}

func (h *promHistogram) Observe(value float64) { h.o.Observe(value); h.shadow.Observe(value) }
func (h *promHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}
func (h *promHistogram) Count() uint64 { return h.shadow.Count() }
func (h *promHistogram) Sum() float64  { return h.shadow.Sum() }
