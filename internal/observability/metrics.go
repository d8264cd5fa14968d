package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	schemaDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for bandflow.
//
// All recording helpers are safe to call on a nil *Metrics, so components
// can be constructed without metrics in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowCreatesTotal     *prometheus.CounterVec
	WorkflowStagesTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowConflictsTotal   prometheus.Counter

	// Schema metrics
	SchemaLoadsTotal          *prometheus.CounterVec
	SchemaLoadDuration        prometheus.Histogram
	SchemaCacheHitsTotal      prometheus.Counter
	SchemaCacheMissesTotal    prometheus.Counter
	SchemaCircuitBreakerState prometheus.Gauge

	// Realtime metrics
	RealtimeConnectionState prometheus.Gauge
	RealtimeReconnectsTotal prometheus.Counter
	RealtimeSubscriptions   prometheus.Gauge
	RealtimeFramesTotal     *prometheus.CounterVec
	RealtimePublishesTotal  *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bandflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bandflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bandflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowCreatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandflow_workflow_creates_total",
			Help: "Total number of workflow instances created.",
		}, []string{"workflow_type"}),
		WorkflowStagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandflow_workflow_stage_completions_total",
			Help: "Total number of completed workflow stages.",
		}, []string{"workflow_type", "stage"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandflow_workflow_transitions_total",
			Help: "Total number of workflow status transitions.",
		}, []string{"workflow_type", "status"}),
		WorkflowConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bandflow_workflow_store_conflicts_total",
			Help: "Total number of optimistic-lock conflicts retried by the engine.",
		}),

		// Schemas
		SchemaLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandflow_schema_loads_total",
			Help: "Total number of schema loads.",
		}, []string{"status"}),
		SchemaLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bandflow_schema_load_duration_seconds",
			Help:    "Schema fetch and resolution duration in seconds.",
			Buckets: schemaDurationBuckets,
		}),
		SchemaCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bandflow_schema_cache_hits_total",
			Help: "Total schema cache hits.",
		}),
		SchemaCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bandflow_schema_cache_misses_total",
			Help: "Total schema cache misses.",
		}),
		SchemaCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bandflow_schema_circuit_breaker_state",
			Help: "Schema source circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Realtime
		RealtimeConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bandflow_realtime_connection_state",
			Help: "Broker connection state (0=disconnected, 1=connecting, 2=connected).",
		}),
		RealtimeReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bandflow_realtime_reconnects_total",
			Help: "Total number of automatic broker reconnections.",
		}),
		RealtimeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bandflow_realtime_subscriptions",
			Help: "Number of registered broker subscriptions.",
		}),
		RealtimeFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandflow_realtime_frames_total",
			Help: "Total number of frames received, by outcome.",
		}, []string{"outcome"}),
		RealtimePublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandflow_realtime_publishes_total",
			Help: "Total number of frames published, by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowCreatesTotal,
		m.WorkflowStagesTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowConflictsTotal,
		// Schemas
		m.SchemaLoadsTotal,
		m.SchemaLoadDuration,
		m.SchemaCacheHitsTotal,
		m.SchemaCacheMissesTotal,
		m.SchemaCircuitBreakerState,
		// Realtime
		m.RealtimeConnectionState,
		m.RealtimeReconnectsTotal,
		m.RealtimeSubscriptions,
		m.RealtimeFramesTotal,
		m.RealtimePublishesTotal,
	)

	return m
}

// Frame outcomes recorded by RecordFrame.
const (
	FrameDelivered = "delivered"
	FrameDropped   = "dropped"
	FramePanicked  = "panicked"
)

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowCreate records a workflow instance creation.
func (m *Metrics) RecordWorkflowCreate(workflowType string) {
	if m == nil {
		return
	}
	m.WorkflowCreatesTotal.WithLabelValues(workflowType).Inc()
}

// RecordStageCompletion records a completed workflow stage.
func (m *Metrics) RecordStageCompletion(workflowType, stage string) {
	if m == nil {
		return
	}
	m.WorkflowStagesTotal.WithLabelValues(workflowType, stage).Inc()
}

// RecordWorkflowTransition records a status change.
func (m *Metrics) RecordWorkflowTransition(workflowType, status string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(workflowType, status).Inc()
}

// RecordWorkflowConflict records an optimistic-lock retry.
func (m *Metrics) RecordWorkflowConflict() {
	if m == nil {
		return
	}
	m.WorkflowConflictsTotal.Inc()
}

// RecordSchemaLoad records a schema load attempt.
func (m *Metrics) RecordSchemaLoad(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SchemaLoadsTotal.WithLabelValues(status).Inc()
	m.SchemaLoadDuration.Observe(duration.Seconds())
}

// RecordSchemaCacheHit records a schema cache hit.
func (m *Metrics) RecordSchemaCacheHit() {
	if m == nil {
		return
	}
	m.SchemaCacheHitsTotal.Inc()
}

// RecordSchemaCacheMiss records a schema cache miss.
func (m *Metrics) RecordSchemaCacheMiss() {
	if m == nil {
		return
	}
	m.SchemaCacheMissesTotal.Inc()
}

// SetSchemaCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetSchemaCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.SchemaCircuitBreakerState.Set(state)
}

// SetRealtimeConnectionState sets the broker connection state.
// State: 0=disconnected, 1=connecting, 2=connected.
func (m *Metrics) SetRealtimeConnectionState(state float64) {
	if m == nil {
		return
	}
	m.RealtimeConnectionState.Set(state)
}

// RecordRealtimeReconnect records an automatic reconnection attempt.
func (m *Metrics) RecordRealtimeReconnect() {
	if m == nil {
		return
	}
	m.RealtimeReconnectsTotal.Inc()
}

// SetRealtimeSubscriptions sets the number of registered subscriptions.
func (m *Metrics) SetRealtimeSubscriptions(count int) {
	if m == nil {
		return
	}
	m.RealtimeSubscriptions.Set(float64(count))
}

// RecordFrame records the outcome of an inbound frame.
func (m *Metrics) RecordFrame(outcome string) {
	if m == nil {
		return
	}
	m.RealtimeFramesTotal.WithLabelValues(outcome).Inc()
}

// RecordPublish records an outbound publish.
func (m *Metrics) RecordPublish(status string) {
	if m == nil {
		return
	}
	m.RealtimePublishesTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
