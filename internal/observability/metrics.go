package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private Prometheus registry for the HTTP surface and the
// permission engine.
type Metrics struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	cacheTotal         *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	catalogVersion     prometheus.Gauge
	catalogReloads     *prometheus.CounterVec
}

// NewMetrics builds the registry with every collector registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatekeeper_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_permission_cache_total",
		Help: "Permission cache lookups by result.",
	}, []string{"result"})
	resolution := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatekeeper_resolution_duration_seconds",
		Help:    "Time spent reading and resolving a permission snapshot.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"outcome"})
	catalogVersion := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_catalog_version",
		Help: "Version of the permission catalog currently served.",
	})
	catalogReloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_catalog_reloads_total",
		Help: "Catalog reload attempts by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, cache, resolution, catalogVersion, catalogReloads)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		cacheTotal:         cache,
		resolutionDuration: resolution,
		catalogVersion:     catalogVersion,
		catalogReloads:     catalogReloads,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counts and latency by chi route pattern.
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

// ObserveCache implements permcache.Observer.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.cacheTotal.WithLabelValues(result).Inc()
}

// ObserveResolution implements rbac.ResolutionObserver.
func (m *Metrics) ObserveResolution(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resolutionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveCatalogReload records a reload attempt and the version now served.
func (m *Metrics) ObserveCatalogReload(version uint64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	m.catalogReloads.WithLabelValues(outcome).Inc()
	m.catalogVersion.Set(float64(version))
}

// Registerer lets other packages add collectors to the same registry.
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
