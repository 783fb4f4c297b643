package workflow

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatched = "unmatched"

// Metrics holds the Prometheus collectors for runs, executors and the HTTP API.
// A nil *Metrics records nothing.
type Metrics struct {
	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	executorsTotal    *prometheus.CounterVec
	executorDuration  *prometheus.HistogramVec
	executorsInFlight prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmflow_runs_total",
				Help: "Total number of workflow runs by status (completed, partial, failed, cancelled).",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "llmflow_run_duration_seconds",
				Help:    "Workflow run duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		executorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmflow_executors_total",
				Help: "Total number of executor outcomes by function and status.",
			},
			[]string{"func", "status"},
		),
		executorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmflow_executor_duration_seconds",
				Help:    "Executor function duration in seconds.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"func"},
		),
		executorsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmflow_executors_in_flight",
				Help: "Number of executor functions currently running.",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmflow_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	reg.MustRegister(
		m.runsTotal, m.runDuration,
		m.executorsTotal, m.executorDuration, m.executorsInFlight,
		m.httpRequestsTotal, m.httpRequestDuration,
	)
	return m
}

func funcLabel(ref FuncRef) string {
	if ref.Name == "" {
		return ref.Kind.String()
	}
	return ref.Name
}

func (m *Metrics) executorStarted() {
	if m == nil {
		return
	}
	m.executorsInFlight.Inc()
}

func (m *Metrics) executorFinished(ref FuncRef, status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.executorsInFlight.Dec()
	m.executorDuration.WithLabelValues(funcLabel(ref)).Observe(d.Seconds())
	m.executorsTotal.WithLabelValues(funcLabel(ref), string(status)).Inc()
}

func (m *Metrics) executorSkipped(ref FuncRef) {
	if m == nil {
		return
	}
	m.executorsTotal.WithLabelValues(funcLabel(ref), string(StatusSkipped)).Inc()
}

// runFinished records a run under the same status the engine reports.
func (m *Metrics) runFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and duration. It labels requests with the
// mux route template, not the raw path, to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := unmatched
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
