package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one App. Each App owns its registry so
// several can live in one process.
type Metrics struct {
	registry       *prometheus.Registry
	authorizations *prometheus.CounterVec
	decisions      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authzd",
			Name:      "authorization_requests_total",
			Help:      "Authorization endpoint requests by outcome",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authzd",
			Name:      "interaction_decisions_total",
			Help:      "Interaction decisions applied, by interaction type and decision",
		}, []string{"interaction_type", "decision"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.authorizations,
		m.decisions,
	)
	return m
}

func (m *Metrics) authorizationOutcome(outcome string) {
	m.authorizations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) interactionDecision(interaction, decision string) {
	m.decisions.WithLabelValues(interaction, decision).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
