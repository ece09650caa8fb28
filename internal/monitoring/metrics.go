package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the core's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TunnelMessages   *prometheus.CounterVec
	OpenSessions     prometheus.Gauge
	Injections       *prometheus.CounterVec
	RegistrationOps  *prometheus.CounterVec
	ApprovalsPending prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TunnelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epupp_tunnel_messages_total",
			Help: "Tunnel envelopes relayed, by type and direction.",
		}, []string{"type", "direction"}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epupp_open_sessions",
			Help: "Currently open tunnel sessions.",
		}),
		Injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epupp_injections_total",
			Help: "Userscript injections, by timing.",
		}, []string{"timing"}),
		RegistrationOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epupp_registration_ops_total",
			Help: "Registration sync operations, by op.",
		}, []string{"op"}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epupp_approvals_pending",
			Help: "Approvals awaiting a user decision.",
		}),
	}

	registry.MustRegister(
		m.TunnelMessages,
		m.OpenSessions,
		m.Injections,
		m.RegistrationOps,
		m.ApprovalsPending,
	)
	return m
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
