// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus registry shared by every component of the process.

package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/reactor"
)

// DefaultNamespace prefixes every exported metric.
const DefaultNamespace = "hioload"

// MetricsRegistry owns the Prometheus registry.
type MetricsRegistry struct {
	namespace string
	reg       *prometheus.Registry
}

// NewMetricsRegistry creates a registry with the Go runtime and process
// collectors already registered.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &MetricsRegistry{namespace: namespace, reg: reg}
}

// Namespace returns the metric prefix.
func (mr *MetricsRegistry) Namespace() string { return mr.namespace }

// Registry exposes the underlying registry for component constructors.
func (mr *MetricsRegistry) Registry() *prometheus.Registry { return mr.reg }

// RegisterScheduler exports task statistics and per-core counters.
func (mr *MetricsRegistry) RegisterScheduler(s *reactor.Scheduler) error {
	return mr.reg.Register(reactor.NewStatsCollector(mr.namespace, s.Stats(), s.CoreStats))
}

// RegisterBackendPool exports the backend connection pool counters.
func (mr *MetricsRegistry) RegisterBackendPool(p *backend.Pool) error {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: mr.namespace, Subsystem: "backend", Name: name, Help: help}
	}
	return multierr.Combine(
		mr.reg.Register(prometheus.NewCounterFunc(opts("connections_created_total", "Backend connections opened."),
			func() float64 { return float64(p.Stats().Created) })),
		mr.reg.Register(prometheus.NewCounterFunc(opts("connections_reused_total", "Pooled backend connections handed out again."),
			func() float64 { return float64(p.Stats().Reused) })),
		mr.reg.Register(prometheus.NewCounterFunc(opts("connections_evicted_total", "Pooled backend connections closed while idle."),
			func() float64 { return float64(p.Stats().Evicted) })),
		mr.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts("connections_idle", "Backend connections waiting in the pool.")),
			func() float64 { return float64(p.Stats().Idle) })),
	)
}

// RegisterBufferPool exports buffer pool counters.
func (mr *MetricsRegistry) RegisterBufferPool(p *pool.BufferPool) error {
	counter := func(name, help string, v func(pool.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: mr.namespace, Subsystem: "buffers", Name: name, Help: help,
		}, func() float64 { return float64(v(p.Stats())) })
	}
	return multierr.Combine(
		mr.reg.Register(counter("allocated_total", "Buffers allocated because no pooled one was free.",
			func(s pool.Stats) int64 { return s.Allocated })),
		mr.reg.Register(counter("reused_total", "Buffers served from the pool.",
			func(s pool.Stats) int64 { return s.Reused })),
		mr.reg.Register(counter("returned_total", "Buffers returned to the pool.",
			func(s pool.Stats) int64 { return s.Returned })),
		mr.reg.Register(counter("dropped_total", "Buffers dropped because their class was full.",
			func(s pool.Stats) int64 { return s.Dropped })),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (mr *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(mr.reg, promhttp.HandlerOpts{Registry: mr.reg})
}
