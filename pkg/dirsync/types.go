package dirsync

import (
	"fmt"
	"time"
)

// SourceKind identifies the directory backend a config syncs from.
type SourceKind string

const (
	SourceKindSCIM             SourceKind = "scim"
	SourceKindAWSIdentityStore SourceKind = "aws_identitystore"
)

// SyncType selects how much of the remote directory a job fetches.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// JobStatus is the sync job state machine.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
)

// ConnectionSettings holds the source-specific connection material, stored
// as a JSON column on the config. Only the fields for the config's source
// kind are set.
type ConnectionSettings struct {
	// SCIM
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"-"` // bearer token, never serialized outward

	// AWS Identity Store
	Region          string `json:"region,omitempty"`
	IdentityStoreID string `json:"identity_store_id,omitempty"`
}

// SyncConfig is a tenant-scoped sync job definition.
type SyncConfig struct {
	ID         int64      `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	SourceType SourceKind `json:"source_type"`

	Connection ConnectionSettings `json:"connection"`

	SyncUsers  bool `json:"sync_users"`
	SyncGroups bool `json:"sync_groups"`
	SyncRoles  bool `json:"sync_roles"`

	// Source-side list filters, applied when no incremental cursor exists.
	UserFilter  string `json:"user_filter,omitempty"`
	GroupFilter string `json:"group_filter,omitempty"`

	ScheduleEnabled bool `json:"schedule_enabled"`
	IntervalMinutes int  `json:"interval_minutes"`
	Enabled         bool `json:"enabled"`

	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks a config before it is stored.
func (c *SyncConfig) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch c.SourceType {
	case SourceKindSCIM:
		if c.Connection.BaseURL == "" {
			return fmt.Errorf("base_url is required for SCIM sources")
		}
	case SourceKindAWSIdentityStore:
		if c.Connection.IdentityStoreID == "" {
			return fmt.Errorf("identity_store_id is required for AWS Identity Store sources")
		}
	default:
		return fmt.Errorf("invalid source_type: %q", c.SourceType)
	}
	if !c.SyncUsers && !c.SyncGroups {
		return fmt.Errorf("at least one of users or groups must be synced")
	}
	if c.ScheduleEnabled && c.IntervalMinutes <= 0 {
		return fmt.Errorf("interval_minutes must be positive when scheduling is enabled")
	}
	return nil
}

// Counters tracks what a job did per record. Processed always equals
// Created + Updated + Deactivated + Skipped; failed writes count as
// skipped and carry an entry in the job's error list.
type Counters struct {
	Processed   int `json:"processed"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
	Skipped     int `json:"skipped"`
}

// Add accumulates another counter set.
func (c *Counters) Add(other Counters) {
	c.Processed += other.Processed
	c.Created += other.Created
	c.Updated += other.Updated
	c.Deactivated += other.Deactivated
	c.Skipped += other.Skipped
}

// RecordError is one isolated per-record failure, with enough context to
// retry later.
type RecordError struct {
	Category   string `json:"category"` // "user", "group", "membership", "role"
	ExternalID string `json:"external_id"`
	Message    string `json:"message"`
}

// SyncJob is one sync run over a config.
type SyncJob struct {
	ID       string    `json:"id"`
	ConfigID int64     `json:"config_id"`
	TenantID string    `json:"tenant_id"`
	Type     SyncType  `json:"type"`
	Status   JobStatus `json:"status"`

	Counters Counters      `json:"counters"`
	Errors   []RecordError `json:"errors,omitempty"`

	// ErrorMessage is set when the job aborts as failed.
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ExternalUser is a normalized remote directory user.
type ExternalUser struct {
	ExternalID  string
	Username    string
	Email       string
	DisplayName string
	Active      bool
	Attributes  map[string]string
}

// ExternalGroup is a normalized remote directory group.
type ExternalGroup struct {
	ExternalID  string
	DisplayName string
}

// Membership links a user to a group by their external ids.
type Membership struct {
	UserExternalID  string
	GroupExternalID string
}

// Snapshot is one fetch of remote directory state.
type Snapshot struct {
	Users       []ExternalUser
	Groups      []ExternalGroup
	Memberships []Membership
}

// User is a locally persisted directory user.
type User struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ConfigID    int64             `json:"config_id"`
	ExternalID  string            `json:"external_id"`
	Username    string            `json:"username"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	Active      bool              `json:"active"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Group is a locally persisted directory group.
type Group struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ConfigID    int64     `json:"config_id"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SyncStatus aggregates a config's sync state for dashboards.
type SyncStatus struct {
	ConfigID       int64      `json:"config_id"`
	Running        bool       `json:"running"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status,omitempty"`
	RecentJobs     []*SyncJob `json:"recent_jobs,omitempty"`
}
