// Package observability collects Prometheus metrics for the service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the Prometheus registry and application metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	checksTotal     *prometheus.CounterVec
	cacheHitsTotal  *prometheus.CounterVec
	cacheMissTotal  prometheus.Counter
	resolveDuration prometheus.Histogram
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bullseye_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bullseye_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bullseye_permission_checks_total",
		Help: "Permission checks by outcome.",
	}, []string{"outcome"})
	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bullseye_permission_cache_hits_total",
		Help: "Permission cache hits by layer.",
	}, []string{"layer"})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bullseye_permission_cache_misses_total",
		Help: "Permission lookups that required a fresh resolution.",
	})
	resolve := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bullseye_permission_resolve_duration_seconds",
		Help:    "Duration of full permission resolutions.",
		Buckets: prometheus.DefBuckets,
	})
	registry.MustRegister(requests, duration, checks, cacheHits, cacheMisses, resolve)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		checksTotal:     checks,
		cacheHitsTotal:  cacheHits,
		cacheMissTotal:  cacheMisses,
		resolveDuration: resolve,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// CheckObserved counts one permission check outcome.
func (m *Metrics) CheckObserved(allowed bool, failed bool) {
	if m == nil {
		return
	}
	outcome := "deny"
	switch {
	case failed:
		outcome = "error"
	case allowed:
		outcome = "allow"
	}
	m.checksTotal.WithLabelValues(outcome).Inc()
}

// CacheHit counts a permission lookup served from a cache layer.
func (m *Metrics) CacheHit(layer string) {
	if m == nil {
		return
	}
	m.cacheHitsTotal.WithLabelValues(layer).Inc()
}

// CacheMiss counts a permission lookup that needed a fresh resolution.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMissTotal.Inc()
}

// RecomputeObserved records the duration of one full resolution.
func (m *Metrics) RecomputeObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.Observe(d.Seconds())
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
