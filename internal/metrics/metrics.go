// Package metrics exposes the gateway's Prometheus counters on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chanway"

// Metrics holds every collector the gateway reports.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	reconcileRuns   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published, by channel.",
		}, []string{"channel"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped before reaching a handler, by channel and reason.",
		}, []string{"channel", "reason"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Subscriber handlers that returned an error or panicked, by channel.",
		}, []string{"channel"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "received_total",
			Help:      "Inbound provider webhooks, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "refreshes_total",
			Help:      "Status refresh attempts by the reconciler, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsPublished,
		m.eventsDropped,
		m.handlerFailures,
		m.webhooks,
		m.reconcileRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) EventPublished(channel string) {
	m.eventsPublished.WithLabelValues(channel).Inc()
}

func (m *Metrics) EventDropped(channel, reason string) {
	m.eventsDropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) HandlerFailed(channel string) {
	m.handlerFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) WebhookReceived(provider, outcome string) {
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ReconcileRefresh(outcome string) {
	m.reconcileRuns.WithLabelValues(outcome).Inc()
}
