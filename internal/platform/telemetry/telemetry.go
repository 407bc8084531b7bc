// Package telemetry exposes the encounter service's Prometheus metrics:
// HTTP request latency and in-flight requests, plus the engine's transition
// outcomes and hide conflicts.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "encounter"

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// Provider owns a registry and the collectors registered on it.
type Provider struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	transitions     *prometheus.CounterVec
	hideConflicts   prometheus.Counter
}

// NewProvider registers the service collectors, with the Go runtime and
// process collectors, on a fresh registry.
func NewProvider() *Provider {
	p := &Provider{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP server requests.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of active HTTP requests.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Encounter transitions by kind and outcome.",
		}, []string{"transition", "outcome"}),
		hideConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hide_conflicts_total",
			Help:      "Exam hide requests refused because the exam holds data.",
		}),
	}
	p.registry.MustRegister(
		p.requestDuration,
		p.activeRequests,
		p.transitions,
		p.hideConflicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Provider) RecordTransition(transition, outcome string) {
	p.transitions.WithLabelValues(transition, outcome).Inc()
}

func (p *Provider) RecordHideConflict() {
	p.hideConflicts.Inc()
}

// MetricsMiddleware records request duration by route pattern, so
// /api/v1/visits/:id/lock is one series whatever the visit id.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
