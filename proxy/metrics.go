// Author: momentics <momentics@gmail.com>

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for requests_total.
const (
	OutcomeOK          = "ok"
	OutcomeSynthesized = "synthesized"
	OutcomeBlocked     = "blocked"
	OutcomeUnreachable = "backend_unreachable"
	OutcomeFailed      = "failed"
	OutcomeTunnel      = "tunnel"
)

// Metrics tracks session metrics.
//
// Metrics:
//   - <ns>_client_connections_accepted_total
//   - <ns>_client_connections_active
//   - <ns>_requests_total{outcome}
//   - <ns>_backend_retries_total
//   - <ns>_tunnel_bytes_total{direction}
//
// A nil *Metrics records nothing.
type Metrics struct {
	accepted    prometheus.Counter
	active      prometheus.Gauge
	requests    *prometheus.CounterVec
	retries     prometheus.Counter
	tunnelBytes *prometheus.CounterVec
}

// NewMetrics creates the session metrics and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_connections_accepted_total",
			Help:      "Total number of accepted client connections",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections_active",
			Help:      "Number of open client connections",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of client requests by outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Requests retried after a reused backend connection failed",
		}),
		tunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through tunnels",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.accepted, m.active, m.requests, m.retries, m.tunnelBytes)
	}
	return m
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.active.Inc()
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.active.Dec()
	}
}

func (m *Metrics) request(outcome string) {
	if m != nil {
		m.requests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) tunnel(up, down int64) {
	if m == nil {
		return
	}
	m.tunnelBytes.WithLabelValues("upstream").Add(float64(up))
	m.tunnelBytes.WithLabelValues("downstream").Add(float64(down))
}
