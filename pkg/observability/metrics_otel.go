package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments
type OTelMetrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Login metrics
	loginsTotal        metric.Int64Counter
	loginDuration      metric.Float64Histogram
	validationFailures metric.Int64Counter

	// Directory sync metrics
	syncJobsTotal   metric.Int64Counter
	syncJobDuration metric.Float64Histogram
	syncRecords     metric.Int64Counter

	// Database metrics
	dbConnectionsActive metric.Int64UpDownCounter
	dbConnectionsIdle   metric.Int64UpDownCounter
	dbQueryDuration     metric.Float64Histogram
	dbQueriesTotal      metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/fedgate")

	m := &OTelMetrics{}
	var err error

	// HTTP metrics
	m.httpRequestsTotal, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	// Login metrics
	m.loginsTotal, err = meter.Int64Counter(
		"fedgate.logins",
		metric.WithDescription("Total number of federated login attempts"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logins counter: %w", err)
	}

	m.loginDuration, err = meter.Float64Histogram(
		"fedgate.login.duration",
		metric.WithDescription("Login callback processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login_duration histogram: %w", err)
	}

	m.validationFailures, err = meter.Int64Counter(
		"fedgate.validation.failures",
		metric.WithDescription("Total number of assertion and token validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation_failures counter: %w", err)
	}

	// Directory sync metrics
	m.syncJobsTotal, err = meter.Int64Counter(
		"fedgate.sync.jobs",
		metric.WithDescription("Total number of directory sync jobs by terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_jobs counter: %w", err)
	}

	m.syncJobDuration, err = meter.Float64Histogram(
		"fedgate.sync.job.duration",
		metric.WithDescription("Directory sync job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_job_duration histogram: %w", err)
	}

	m.syncRecords, err = meter.Int64Counter(
		"fedgate.sync.records",
		metric.WithDescription("Total number of directory records processed by sync jobs"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_records counter: %w", err)
	}

	// Database metrics
	m.dbConnectionsActive, err = meter.Int64UpDownCounter(
		"db.connections.active",
		metric.WithDescription("Number of active database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_connections_active gauge: %w", err)
	}

	m.dbConnectionsIdle, err = meter.Int64UpDownCounter(
		"db.connections.idle",
		metric.WithDescription("Number of idle database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_connections_idle gauge: %w", err)
	}

	m.dbQueryDuration, err = meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_query_duration histogram: %w", err)
	}

	m.dbQueriesTotal, err = meter.Int64Counter(
		"db.queries.total",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_queries_total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordLogin records one federated login attempt
func (m *OTelMetrics) RecordLogin(ctx context.Context, protocol, provider, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("fedgate.protocol", protocol),
		attribute.String("fedgate.provider", provider),
		attribute.String("fedgate.outcome", outcome),
	}

	m.loginsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.loginDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("fedgate.protocol", protocol),
	))
}

// RecordValidationFailure records one rejected assertion or token
func (m *OTelMetrics) RecordValidationFailure(ctx context.Context, protocol, reason string) {
	attrs := []attribute.KeyValue{
		attribute.String("fedgate.protocol", protocol),
		attribute.String("fedgate.reason", reason),
	}
	m.validationFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSyncJob records one terminal directory sync job
func (m *OTelMetrics) RecordSyncJob(ctx context.Context, sourceType, syncType, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("fedgate.source_type", sourceType),
		attribute.String("fedgate.sync_type", syncType),
		attribute.String("fedgate.status", status),
	}

	m.syncJobsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.syncJobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("fedgate.source_type", sourceType),
	))
}

// RecordSyncRecords adds processed record counts for one category
func (m *OTelMetrics) RecordSyncRecords(ctx context.Context, category, action string, count int64) {
	if count <= 0 {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("fedgate.category", category),
		attribute.String("fedgate.action", action),
	}
	m.syncRecords.Add(ctx, count, metric.WithAttributes(attrs...))
}

// RecordDBQuery records a database query metric
func (m *OTelMetrics) RecordDBQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", "true"))
	} else {
		attrs = append(attrs, attribute.String("error", "false"))
	}

	m.dbQueriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dbQueryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// UpdateDBConnectionStats updates database connection pool statistics
func (m *OTelMetrics) UpdateDBConnectionStats(ctx context.Context, active, idle int) {
	m.dbConnectionsActive.Add(ctx, int64(active))
	m.dbConnectionsIdle.Add(ctx, int64(idle))
}
