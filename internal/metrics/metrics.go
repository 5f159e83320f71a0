// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the gateway metrics and their registry.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RetriesTotal     *prometheus.CounterVec
	ActiveSockets    prometheus.Gauge
	Subscriptions    prometheus.Gauge
	PublicationsIn   *prometheus.CounterVec
	MessagesDropped  prometheus.Counter
	SlowConsumers    prometheus.Counter
	BackendUnhealthy *prometheus.CounterVec
}

// NewCollector creates and registers all gateway collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled by the ingress, by route and status.",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end forward duration, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Retry attempts against backends, by backend name.",
		}, []string{"backend"}),
		ActiveSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_hub_sockets",
			Help: "Client sockets currently terminated at the hub.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_hub_subscriptions",
			Help: "Live (subject, kind, socket) subscriptions.",
		}),
		PublicationsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_publications_total",
			Help: "Publications accepted by the publisher ingress, by kind.",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_hub_dropped_messages_total",
			Help: "Messages dropped by the slow-consumer policy.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_hub_slow_consumer_closes_total",
			Help: "Sockets force-closed for persistent lag.",
		}),
		BackendUnhealthy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_failures_total",
			Help: "Failed forward attempts, by backend name and outcome.",
		}, []string{"backend", "outcome"}),
	}

	reg.MustRegister(
		c.RequestsTotal, c.RequestDuration, c.RetriesTotal,
		c.ActiveSockets, c.Subscriptions, c.PublicationsIn,
		c.MessagesDropped, c.SlowConsumers, c.BackendUnhealthy,
	)

	return c
}

// ObserveRequest records one handled request.
func (c *Collector) ObserveRequest(route string, status int, d time.Duration) {
	c.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler for the admin surface.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
