package stats

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider is the metrics surface the rest of the application sees.
// Metrics are registered up front by name; unknown names panic, which
// catches typos at startup rather than silently dropping counts.
type Provider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// PromProvider implements Provider on a dedicated Prometheus registry.
type PromProvider struct {
	namespace string
	reg       *prometheus.Registry
	mu        sync.RWMutex
	gauges    map[string]prometheus.Gauge
}

func NewPromProvider(namespace string) *PromProvider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &PromProvider{
		namespace: namespace,
		reg:       reg,
		gauges:    make(map[string]prometheus.Gauge),
	}
}

func (p *PromProvider) RegisterMetric(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
	})
	p.reg.MustRegister(g)
	p.gauges[name] = g
}

func (p *PromProvider) Incr(name string) {
	p.gauge(name).Inc()
}

func (p *PromProvider) Decr(name string) {
	p.gauge(name).Dec()
}

func (p *PromProvider) gauge(name string) prometheus.Gauge {
	p.mu.RLock()
	defer p.mu.RUnlock()

	g, ok := p.gauges[name]
	if !ok {
		panic("metric not found: " + name)
	}
	return g
}

// Handler serves the registry for scraping at GET /metrics.
func (p *PromProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}
