// Package telemetry implements the Telemetry contract (spec §6.2/§9,
// "kept separate/non-core per the telemetry non-goal"): a small sink
// interface every component may report through, plus one default
// implementation backed by prometheus/client_golang, grounded on the
// register-or-reuse idiom in the pack's
// carlosrabelo-karoo/core/internal/metrics/prometheus.go. The client
// library never requires a working Sink — Noop is the zero-configuration
// default — so the telemetry non-goal (no shipped dashboards/exporters)
// stays scoped to outer surfaces without forcing every emit call site to
// special-case "no telemetry configured".
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the contract every component reports through: a handshake
// duration, a stream retransmit, a PoW search taking longer than
// expected, and so on. Counter/Gauge/Observe are looked up by name on
// first use and cached by the concrete Sink, so call sites never hold
// onto a *prometheus.Counter directly (keeps this package swappable for
// a deployment with its own metrics backend).
type Sink interface {
	// Count increments a named counter by delta (delta must be >= 0).
	Count(name string, delta float64)
	// Gauge sets a named gauge to value.
	Gauge(name string, value float64)
	// Observe records value into a named histogram/summary.
	Observe(name string, value float64)
}

// Noop discards everything. It's the default Aether.Config.Telemetry
// when a caller doesn't configure one.
type Noop struct{}

func (Noop) Count(string, float64)   {}
func (Noop) Gauge(string, float64)   {}
func (Noop) Observe(string, float64) {}

// Prometheus is the default non-trivial Sink: every named metric is
// registered (or reused, if another Prometheus instance in the same
// process already registered it — mirrors the pack's
// prometheus.AlreadyRegisteredError recovery) under namespace on first
// reference.
type Prometheus struct {
	namespace string

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// NewPrometheus constructs a Prometheus sink. namespace prefixes every
// metric name ("aethernet" is a reasonable default for an embedding
// application).
func NewPrometheus(namespace string) *Prometheus {
	return &Prometheus{
		namespace:  namespace,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func registerOrReuse(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func (p *Prometheus) Count(name string, delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[name]
	if !ok {
		c = registerOrReuse(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
		})).(prometheus.Counter)
		p.counters[name] = c
	}
	c.Add(delta)
}

func (p *Prometheus) Gauge(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gauges[name]
	if !ok {
		g = registerOrReuse(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
		})).(prometheus.Gauge)
		p.gauges[name] = g
	}
	g.Set(value)
}

func (p *Prometheus) Observe(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.histograms[name]
	if !ok {
		h = registerOrReuse(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
		})).(prometheus.Histogram)
		p.histograms[name] = h
	}
	h.Observe(value)
}
