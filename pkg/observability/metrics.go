package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Login metrics
	LoginsTotal             *prometheus.CounterVec
	LoginDuration           *prometheus.HistogramVec
	ValidationFailuresTotal *prometheus.CounterVec
	ProvisionedUsersTotal   *prometheus.CounterVec

	// Role resolution metrics
	RoleResolutionsTotal *prometheus.CounterVec

	// Directory sync metrics
	SyncJobsTotal    *prometheus.CounterVec
	SyncJobDuration  *prometheus.HistogramVec
	SyncRecordsTotal *prometheus.CounterVec
	SyncJobsRunning  prometheus.Gauge

	// Login state store metrics
	StateEntriesActive   prometheus.Gauge
	StateConsumeFailures prometheus.Counter

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedgate_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedgate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Login metrics
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedgate_logins_total",
				Help: "Total number of federated login attempts",
			},
			[]string{"protocol", "provider", "outcome"},
		),
		LoginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedgate_login_duration_seconds",
				Help:    "Login callback processing duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"protocol"},
		),
		ValidationFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedgate_validation_failures_total",
				Help: "Total number of assertion and token validation failures",
			},
			[]string{"protocol", "reason"},
		),
		ProvisionedUsersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedgate_provisioned_users_total",
				Help: "Total number of users created by just-in-time provisioning",
			},
			[]string{"protocol"},
		),

		// Role resolution metrics
		RoleResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedgate_role_resolutions_total",
				Help: "Total number of role resolutions",
			},
			[]string{"outcome"},
		),

		// Directory sync metrics
		SyncJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedgate_sync_jobs_total",
				Help: "Total number of directory sync jobs by terminal status",
			},
			[]string{"source_type", "type", "status"},
		),
		SyncJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedgate_sync_job_duration_seconds",
				Help:    "Directory sync job duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"source_type"},
		),
		SyncRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedgate_sync_records_total",
				Help: "Total number of directory records processed by sync jobs",
			},
			[]string{"category", "action"},
		),
		SyncJobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedgate_sync_jobs_running",
				Help: "Number of directory sync jobs currently running",
			},
		),

		// Login state store metrics
		StateEntriesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedgate_state_entries_active",
				Help: "Number of pending login state entries",
			},
		),
		StateConsumeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fedgate_state_consume_failures_total",
				Help: "Total number of login state lookups that missed (expired or replayed)",
			},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedgate_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedgate_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedgate_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.LoginsTotal,
		m.LoginDuration,
		m.ValidationFailuresTotal,
		m.ProvisionedUsersTotal,
		m.RoleResolutionsTotal,
		m.SyncJobsTotal,
		m.SyncJobDuration,
		m.SyncRecordsTotal,
		m.SyncJobsRunning,
		m.StateEntriesActive,
		m.StateConsumeFailures,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
	)

	return m
}

// ObserveLogin records one login attempt.
func (m *Metrics) ObserveLogin(protocol, provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(protocol, provider, outcome).Inc()
	if duration > 0 {
		m.LoginDuration.WithLabelValues(protocol).Observe(duration.Seconds())
	}
}

// ObserveValidationFailure records one rejected assertion or token.
func (m *Metrics) ObserveValidationFailure(protocol, reason string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(protocol, reason).Inc()
}

// ObserveProvisionedUser records one just-in-time user creation.
func (m *Metrics) ObserveProvisionedUser(protocol string) {
	if m == nil {
		return
	}
	m.ProvisionedUsersTotal.WithLabelValues(protocol).Inc()
}

// ObserveRoleResolution records one role resolution run.
func (m *Metrics) ObserveRoleResolution(fallbackApplied bool) {
	if m == nil {
		return
	}
	outcome := "matched"
	if fallbackApplied {
		outcome = "fallback"
	}
	m.RoleResolutionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSyncJob records one terminal sync job.
func (m *Metrics) ObserveSyncJob(sourceType, syncType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncJobsTotal.WithLabelValues(sourceType, syncType, status).Inc()
	m.SyncJobDuration.WithLabelValues(sourceType).Observe(duration.Seconds())
}

// ObserveSyncRecords adds processed record counts for one category.
func (m *Metrics) ObserveSyncRecords(category, action string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SyncRecordsTotal.WithLabelValues(category, action).Add(float64(count))
}

// UpdateDBStats copies connection pool statistics into the gauges.
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
