package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the engine.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	analysisRuns    *prometheus.CounterVec
	analysisSeconds *prometheus.HistogramVec
	findingsTotal   *prometheus.CounterVec
	snapshotsTotal  *prometheus.CounterVec
	deltasTotal     *prometheus.CounterVec
}

// NewMetrics initialises the registry and base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aegis_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_analysis_runs_total",
		Help: "Analysis runs partitioned by terminal status.",
	}, []string{"status"})
	runSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aegis_analysis_duration_seconds",
		Help:    "Wall-clock duration of analysis runs.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"mode"})
	findings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_findings_total",
		Help: "Findings emitted by analysis runs, partitioned by severity.",
	}, []string{"severity"})
	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_snapshots_total",
		Help: "Snapshots captured, partitioned by trigger type.",
	}, []string{"trigger"})
	deltas := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_deltas_total",
		Help: "Deltas detected between snapshots, partitioned by change type.",
	}, []string{"type"})
	registry.MustRegister(requests, duration, runs, runSeconds, findings, snapshots, deltas)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		analysisRuns:    runs,
		analysisSeconds: runSeconds,
		findingsTotal:   findings,
		snapshotsTotal:  snapshots,
		deltasTotal:     deltas,
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

// Middleware records metrics for each HTTP request.
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

// ObserveRun records the outcome and duration of one analysis run.
func (m *Metrics) ObserveRun(status, mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.analysisRuns.WithLabelValues(status).Inc()
	m.analysisSeconds.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// AddFindings increments the finding counter for a severity.
func (m *Metrics) AddFindings(severity string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.findingsTotal.WithLabelValues(severity).Add(float64(count))
}

// ObserveSnapshot records a captured snapshot.
func (m *Metrics) ObserveSnapshot(trigger string) {
	if m == nil {
		return
	}
	m.snapshotsTotal.WithLabelValues(trigger).Inc()
}

// AddDeltas increments the delta counter for a change type.
func (m *Metrics) AddDeltas(changeType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.deltasTotal.WithLabelValues(changeType).Add(float64(count))
}

// Registerer exposes the registry for custom collector registration.
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
