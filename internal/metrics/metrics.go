// Package metrics holds the Prometheus collectors opsdeck exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	GatewayCalls       *prometheus.CounterVec
	GatewayDuration    *prometheus.HistogramVec
	WebhookDeliveries  *prometheus.CounterVec
	ViewBuilds         *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsdeck",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Record store calls by operation, backend and result.",
		}, []string{"op", "backend", "result"}),

		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opsdeck",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Record store call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "backend"}),

		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsdeck",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by result.",
		}, []string{"result"}),

		ViewBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsdeck",
			Subsystem: "view",
			Name:      "builds_total",
			Help:      "Dashboard views computed, by entity kind.",
		}, []string{"kind"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsdeck",
			Subsystem: "dashboard",
			Name:      "notifications_total",
			Help:      "Dashboard notifications raised, by level.",
		}, []string{"level"}),

		registry: reg,
	}

	reg.MustRegister(
		m.GatewayCalls,
		m.GatewayDuration,
		m.WebhookDeliveries,
		m.ViewBuilds,
		m.NotificationsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The Record helpers are no-ops on a nil *Metrics.

func (m *Metrics) RecordGatewayCall(op, backend, result string, seconds float64) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(op, backend, result).Inc()
	m.GatewayDuration.WithLabelValues(op, backend).Observe(seconds)
}

func (m *Metrics) RecordWebhookDelivery(result string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordViewBuild(kind string) {
	if m == nil {
		return
	}
	m.ViewBuilds.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordNotification(level string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(level).Inc()
}
