package audit

import (
	"encoding/json"
	"time"
)

// EventType categorizes an audit event.
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin        EventType = "auth.login"
	EventTypeAuthLoginFailed  EventType = "auth.login_failed"
	EventTypeAuthLogout       EventType = "auth.logout"
	EventTypeAuthTokenRefresh EventType = "auth.token_refresh"

	// Authorization events
	EventTypeAuthzRoleChange EventType = "authz.role_change"
	EventTypeAuthzResolution EventType = "authz.resolution"

	// Configuration events
	EventTypeConfigFederationCreate EventType = "config.federation_create"
	EventTypeConfigFederationUpdate EventType = "config.federation_update"
	EventTypeConfigFederationDelete EventType = "config.federation_delete"
	EventTypeConfigMappingCreate    EventType = "config.mapping_create"
	EventTypeConfigMappingUpdate    EventType = "config.mapping_update"
	EventTypeConfigMappingDelete    EventType = "config.mapping_delete"
	EventTypeConfigSyncCreate       EventType = "config.sync_create"
	EventTypeConfigSyncUpdate       EventType = "config.sync_update"
	EventTypeConfigSyncDelete       EventType = "config.sync_delete"
	EventTypeConfigWebhookCreate    EventType = "config.webhook_create"
	EventTypeConfigWebhookUpdate    EventType = "config.webhook_update"
	EventTypeConfigWebhookDelete    EventType = "config.webhook_delete"

	// Directory sync lifecycle events
	EventTypeSyncStarted   EventType = "sync.started"
	EventTypeSyncCompleted EventType = "sync.completed"
	EventTypeSyncPartial   EventType = "sync.partial"
	EventTypeSyncFailed    EventType = "sync.failed"
	EventTypeSyncCancelled EventType = "sync.cancelled"
)

// EventStatus is the outcome of the audited action.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType identifies what kind of resource an event touched.
type ResourceType string

const (
	ResourceTypeUser             ResourceType = "user"
	ResourceTypeFederationConfig ResourceType = "federation_config"
	ResourceTypeRoleMapping      ResourceType = "role_mapping"
	ResourceTypeSyncConfig       ResourceType = "sync_config"
	ResourceTypeSyncJob          ResourceType = "sync_job"
	ResourceTypeWebhook          ResourceType = "webhook"
)

// Event is a single audit log entry.
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor and scope
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`

	// Protocol is set on authentication events: "saml" or "oidc".
	Protocol string `json:"protocol,omitempty"`

	// Resource
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON serializes the event.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event from JSON.
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter selects events when querying stored audit history.
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	TenantID string
	UserID   string

	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string

	Limit  int
	Offset int
}

// ExportFormat selects the serialization used by Export.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)
