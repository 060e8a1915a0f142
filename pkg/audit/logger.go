package audit

import (
	"context"
	"time"
)

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event *Event) error

	// Close flushes and closes the logger.
	Close() error
}

// NewEvent builds an event with the timestamp and request context filled
// in. The caller sets the actor, resource and message fields.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Status:    status,
		RequestID: requestIDFromContext(ctx),
	}
}

// LoginEvent builds an authentication event for the given protocol.
func LoginEvent(ctx context.Context, tenantID, userID, username, protocol string, status EventStatus, message string) *Event {
	event := NewEvent(ctx, EventTypeAuthLogin, status)
	if status != EventStatusSuccess {
		event.EventType = EventTypeAuthLoginFailed
	}
	event.TenantID = tenantID
	event.UserID = userID
	event.Username = username
	event.Protocol = protocol
	event.ResourceType = ResourceTypeUser
	event.ResourceID = userID
	event.Message = message
	return event
}

// SyncEvent builds a directory-sync lifecycle event.
func SyncEvent(ctx context.Context, eventType EventType, tenantID, jobID, message string) *Event {
	status := EventStatusSuccess
	if eventType == EventTypeSyncFailed {
		status = EventStatusFailure
	}
	event := NewEvent(ctx, eventType, status)
	event.TenantID = tenantID
	event.ResourceType = ResourceTypeSyncJob
	event.ResourceID = jobID
	event.Message = message
	return event
}

type contextKey string

const (
	loggerKey    contextKey = "audit_logger"
	requestIDKey contextKey = "audit_request_id"
)

// WithLogger attaches an audit logger to the context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context's audit logger, or a no-op logger.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return NopLogger()
}

// WithRequestID attaches a request id picked up by NewEvent.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// noOpLogger discards all events.
type noOpLogger struct{}

func (n *noOpLogger) Log(ctx context.Context, event *Event) error { return nil }
func (n *noOpLogger) Close() error                                { return nil }

var nop = &noOpLogger{}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return nop
}
