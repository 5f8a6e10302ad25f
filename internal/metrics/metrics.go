// Package metrics exposes Prometheus counters for the authorization flow.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpnotes"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry          *prometheus.Registry
	clientsRegistered *prometheus.CounterVec
	codesIssued       prometheus.Counter
	tokensIssued      prometheus.Counter
	oauthErrors       *prometheus.CounterVec
	guardDecisions    *prometheus.CounterVec
	metadataFetches   *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		clientsRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "clients_registered_total",
			Help:      "OAuth clients added to the registry, by source.",
		}, []string{"source"}),
		codesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "codes_issued_total",
			Help:      "Authorization codes issued.",
		}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued.",
		}),
		oauthErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "errors_total",
			Help:      "OAuth error responses, by endpoint and error code.",
		}, []string{"endpoint", "error"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Resource server guard decisions, by tool and outcome.",
		}, []string{"tool", "decision"}),
		metadataFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "metadata_fetches_total",
			Help:      "Client metadata document lookups, by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		m.clientsRegistered,
		m.codesIssued,
		m.tokensIssued,
		m.oauthErrors,
		m.guardDecisions,
		m.metadataFetches,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ClientRegistered(source string) {
	if m == nil {
		return
	}
	m.clientsRegistered.WithLabelValues(source).Inc()
}

func (m *Metrics) CodeIssued() {
	if m == nil {
		return
	}
	m.codesIssued.Inc()
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) OAuthError(endpoint, code string) {
	if m == nil {
		return
	}
	m.oauthErrors.WithLabelValues(endpoint, code).Inc()
}

func (m *Metrics) GuardDecision(tool, decision string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(tool, decision).Inc()
}

func (m *Metrics) MetadataFetch(outcome string) {
	if m == nil {
		return
	}
	m.metadataFetches.WithLabelValues(outcome).Inc()
}
