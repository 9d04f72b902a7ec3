// Package metrics provides Prometheus metrics for the glance server.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"glance/internal/cache"
)

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	decisionsTotal *prometheus.CounterVec

	refreshRequestsTotal *prometheus.CounterVec
	wsClientsActive      prometheus.Gauge
	wsEventsTotal        *prometheus.CounterVec
	packagesImported     *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glance_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "glance_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		executionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glance_server_code_executions_total",
				Help: "Server code executions by outcome",
			},
			[]string{"widget", "outcome"},
		),
		executionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "glance_server_code_duration_seconds",
				Help:    "Server code execution time in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),

		decisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glance_cache_decisions_total",
				Help: "Data requests by freshness state and whether code ran",
			},
			[]string{"widget", "freshness", "executed"},
		),

		refreshRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glance_agent_refresh_requests_total",
				Help: "Agent refresh requests raised",
			},
			[]string{"kind"},
		),
		wsClientsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "glance_websocket_clients_active",
				Help: "Number of connected websocket clients",
			},
		),
		wsEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glance_websocket_events_total",
				Help: "Events broadcast to websocket clients",
			},
			[]string{"type"},
		),
		packagesImported: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glance_packages_imported_total",
				Help: "Widget packages imported",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveExecution implements jsvm.ExecutionObserver.
func (m *Metrics) ObserveExecution(widget, outcome string, elapsed time.Duration) {
	m.executionsTotal.WithLabelValues(widget, outcome).Inc()
	m.executionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveDecision implements cache.Observer.
func (m *Metrics) ObserveDecision(widget string, freshness cache.Freshness, executed bool) {
	m.decisionsTotal.WithLabelValues(widget, string(freshness), strconv.FormatBool(executed)).Inc()
}

// RecordRefreshRequest counts a raised agent refresh request. kind is the
// source prefix, e.g. "schedule" or "widget".
func (m *Metrics) RecordRefreshRequest(kind string) {
	m.refreshRequestsTotal.WithLabelValues(kind).Inc()
}

// SetWebsocketClients sets the number of connected websocket clients.
func (m *Metrics) SetWebsocketClients(n int) {
	m.wsClientsActive.Set(float64(n))
}

// RecordWebsocketEvent counts one broadcast event.
func (m *Metrics) RecordWebsocketEvent(eventType string) {
	m.wsEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordPackageImport counts a package import attempt.
func (m *Metrics) RecordPackageImport(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.packagesImported.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Middleware records request metrics labelled by route template, so path
// parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
