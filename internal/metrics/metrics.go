// Package metrics exposes the gateway's Prometheus metrics. Every Collector
// owns its own registry so tests and reloads never collide on the default
// registerer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oagw"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Collector tracks gateway metrics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	rateLimit        *prometheus.CounterVec
	pluginRuns       *prometheus.CounterVec
	pluginDurations  *prometheus.HistogramVec
	streams          *prometheus.GaugeVec
	reloads          *prometheus.CounterVec
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the gateway's own.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by upstream, method, status and error source.",
		}, []string{"upstream", "method", "status", "source"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end proxied request latency.",
			Buckets:   DefaultBuckets,
		}, []string{"upstream"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by scope and outcome.",
		}, []string{"scope", "decision"}),
		pluginRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_executions_total",
			Help:      "Plugin executions by reference, phase and result.",
		}, []string{"plugin", "phase", "result"}),
		pluginDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_duration_seconds",
			Help:      "Plugin execution latency.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"plugin", "phase"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_in_flight",
			Help:      "Open streaming exchanges by kind.",
		}, []string{"kind"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.rateLimit,
		c.pluginRuns,
		c.pluginDurations,
		c.streams,
		c.reloads,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a completed proxied request. source is the value of
// the error-source header, empty on success.
func (c *Collector) RecordRequest(upstream, method string, status int, source string, duration time.Duration) {
	if upstream == "" {
		upstream = "unresolved"
	}
	c.requestsTotal.WithLabelValues(upstream, method, strconv.Itoa(status), source).Inc()
	c.requestDurations.WithLabelValues(upstream).Observe(duration.Seconds())
}

// RecordRateLimit records one limiter decision.
func (c *Collector) RecordRateLimit(scope string, allowed bool) {
	decision := "admit"
	if !allowed {
		decision = "reject"
	}
	c.rateLimit.WithLabelValues(scope, decision).Inc()
}

// ObservePlugin records one plugin execution. Its signature matches the
// plugin pipeline observer.
func (c *Collector) ObservePlugin(ref, phase, action string, err error, elapsed time.Duration) {
	result := action
	if err != nil {
		result = "error"
	}
	c.pluginRuns.WithLabelValues(ref, phase, result).Inc()
	c.pluginDurations.WithLabelValues(ref, phase).Observe(elapsed.Seconds())
}

// StreamOpened increments the in-flight gauge for kind and returns the
// matching decrement.
func (c *Collector) StreamOpened(kind string) func() {
	g := c.streams.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
