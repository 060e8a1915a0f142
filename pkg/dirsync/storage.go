package dirsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/fedgate/pkg/rolemap"
)

// Sentinel errors callers branch on.
var (
	ErrConfigNotFound = fmt.Errorf("sync config not found")
	ErrJobNotFound    = fmt.Errorf("sync job not found")
)

// SQLStorage persists sync configs, jobs and directory records over
// database/sql.
type SQLStorage struct {
	db *sql.DB
}

// NewSQLStorage creates the storage layer.
func NewSQLStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

// Migrate creates the directory sync tables if they do not exist.
func (s *SQLStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_configs (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		source_type TEXT NOT NULL,
		connection TEXT NOT NULL DEFAULT '{}',
		sync_users BOOLEAN NOT NULL DEFAULT TRUE,
		sync_groups BOOLEAN NOT NULL DEFAULT TRUE,
		sync_roles BOOLEAN NOT NULL DEFAULT FALSE,
		user_filter TEXT NOT NULL DEFAULT '',
		group_filter TEXT NOT NULL DEFAULT '',
		schedule_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		interval_minutes INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_sync_at TIMESTAMPTZ,
		last_sync_status TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_jobs (
		id TEXT PRIMARY KEY,
		config_id BIGINT NOT NULL,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		counters TEXT NOT NULL DEFAULT '{}',
		errors TEXT NOT NULL DEFAULT '[]',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_jobs_config ON sync_jobs(config_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS directory_users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		config_id BIGINT NOT NULL,
		external_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		attributes TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (config_id, external_id)
	);

	CREATE TABLE IF NOT EXISTS directory_groups (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		config_id BIGINT NOT NULL,
		external_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (config_id, external_id)
	);

	CREATE TABLE IF NOT EXISTS directory_memberships (
		config_id BIGINT NOT NULL,
		tenant_id TEXT NOT NULL,
		user_external_id TEXT NOT NULL,
		group_external_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (config_id, user_external_id, group_external_id)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create directory sync tables: %w", err)
	}
	return nil
}

// CreateConfig inserts a sync config and populates its id.
func (s *SQLStorage) CreateConfig(ctx context.Context, cfg *SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}

	connJSON, err := json.Marshal(cfg.Connection)
	if err != nil {
		return fmt.Errorf("failed to marshal connection settings: %w", err)
	}

	query := `
		INSERT INTO sync_configs (tenant_id, name, source_type, connection, sync_users, sync_groups, sync_roles, user_filter, group_filter, schedule_enabled, interval_minutes, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`

	now := time.Now()
	err = s.db.QueryRowContext(ctx, query,
		cfg.TenantID, cfg.Name, string(cfg.SourceType), string(connJSON),
		cfg.SyncUsers, cfg.SyncGroups, cfg.SyncRoles,
		cfg.UserFilter, cfg.GroupFilter,
		cfg.ScheduleEnabled, cfg.IntervalMinutes, cfg.Enabled,
		now, now,
	).Scan(&cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to create sync config: %w", err)
	}

	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return nil
}

const syncConfigColumns = `id, tenant_id, name, source_type, connection, sync_users, sync_groups, sync_roles, user_filter, group_filter, schedule_enabled, interval_minutes, enabled, last_sync_at, last_sync_status, created_at, updated_at`

// GetConfig retrieves a config by id.
func (s *SQLStorage) GetConfig(ctx context.Context, configID int64) (*SyncConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+syncConfigColumns+` FROM sync_configs WHERE id = $1`, configID)

	cfg, err := scanSyncConfig(row)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync config: %w", err)
	}
	return cfg, nil
}

// ListConfigs returns a tenant's sync configs.
func (s *SQLStorage) ListConfigs(ctx context.Context, tenantID string) ([]*SyncConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncConfigColumns+` FROM sync_configs WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync configs: %w", err)
	}
	defer rows.Close()
	return collectConfigs(rows)
}

// ListScheduledConfigs returns every enabled config with scheduling on,
// across all tenants, for the scheduler tick.
func (s *SQLStorage) ListScheduledConfigs(ctx context.Context) ([]*SyncConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncConfigColumns+` FROM sync_configs WHERE enabled = TRUE AND schedule_enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled sync configs: %w", err)
	}
	defer rows.Close()
	return collectConfigs(rows)
}

func collectConfigs(rows *sql.Rows) ([]*SyncConfig, error) {
	var configs []*SyncConfig
	for rows.Next() {
		cfg, err := scanSyncConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpdateConfig updates a config's definition (not its sync cursor).
func (s *SQLStorage) UpdateConfig(ctx context.Context, cfg *SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}

	connJSON, err := json.Marshal(cfg.Connection)
	if err != nil {
		return fmt.Errorf("failed to marshal connection settings: %w", err)
	}

	query := `
		UPDATE sync_configs
		SET name = $2, source_type = $3, connection = $4, sync_users = $5, sync_groups = $6, sync_roles = $7, user_filter = $8, group_filter = $9, schedule_enabled = $10, interval_minutes = $11, enabled = $12, updated_at = $13
		WHERE id = $1
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.Name, string(cfg.SourceType), string(connJSON),
		cfg.SyncUsers, cfg.SyncGroups, cfg.SyncRoles,
		cfg.UserFilter, cfg.GroupFilter,
		cfg.ScheduleEnabled, cfg.IntervalMinutes, cfg.Enabled,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync config: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConfigNotFound
	}
	cfg.UpdatedAt = now
	return nil
}

// DeleteConfig removes a config.
func (s *SQLStorage) DeleteConfig(ctx context.Context, configID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_configs WHERE id = $1`, configID)
	if err != nil {
		return fmt.Errorf("failed to delete sync config: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConfigNotFound
	}
	return nil
}

// UpdateConfigSyncState advances the config's sync cursor. Called only
// when a job finishes completed or partial.
func (s *SQLStorage) UpdateConfigSyncState(ctx context.Context, configID int64, lastSyncAt time.Time, status JobStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_configs SET last_sync_at = $2, last_sync_status = $3, updated_at = $4 WHERE id = $1`,
		configID, lastSyncAt, string(status), time.Now())
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	return nil
}

// CreateJob inserts a job record.
func (s *SQLStorage) CreateJob(ctx context.Context, job *SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	countersJSON, errorsJSON, err := marshalJobState(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, config_id, tenant_id, type, status, counters, errors, error_message, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		job.ID, job.ConfigID, job.TenantID, string(job.Type), string(job.Status),
		countersJSON, errorsJSON, job.ErrorMessage,
		job.StartedAt, job.FinishedAt, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

// UpdateJob persists a job's current state.
func (s *SQLStorage) UpdateJob(ctx context.Context, job *SyncJob) error {
	countersJSON, errorsJSON, err := marshalJobState(job)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $2, counters = $3, errors = $4, error_message = $5, started_at = $6, finished_at = $7
		WHERE id = $1
	`,
		job.ID, string(job.Status), countersJSON, errorsJSON, job.ErrorMessage,
		job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func marshalJobState(job *SyncJob) (string, string, error) {
	countersJSON, err := json.Marshal(job.Counters)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal job counters: %w", err)
	}
	errs := job.Errors
	if errs == nil {
		errs = []RecordError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal job errors: %w", err)
	}
	return string(countersJSON), string(errorsJSON), nil
}

const syncJobColumns = `id, config_id, tenant_id, type, status, counters, errors, error_message, started_at, finished_at, created_at`

// GetJob retrieves a job by id.
func (s *SQLStorage) GetJob(ctx context.Context, jobID string) (*SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1`, jobID)

	job, err := scanSyncJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

// ListRecentJobs returns a config's most recent jobs, newest first.
func (s *SQLStorage) ListRecentJobs(ctx context.Context, configID int64, limit int) ([]*SyncJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE config_id = $1 ORDER BY created_at DESC LIMIT $2`,
		configID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListUsers returns all local users for a config, active or not.
func (s *SQLStorage) ListUsers(ctx context.Context, configID int64) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, config_id, external_id, username, email, display_name, active, attributes, created_at, updated_at
		FROM directory_users WHERE config_id = $1
	`, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var attrsJSON string
		err := rows.Scan(&u.ID, &u.TenantID, &u.ConfigID, &u.ExternalID, &u.Username, &u.Email, &u.DisplayName, &u.Active, &attrsJSON, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan directory user: %w", err)
		}
		if err := json.Unmarshal([]byte(attrsJSON), &u.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user attributes: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// CreateUser inserts a local user record and assigns its id.
func (s *SQLStorage) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	attrsJSON, err := marshalAttributes(user.Attributes)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO directory_users (id, tenant_id, config_id, external_id, username, email, display_name, active, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		user.ID, user.TenantID, user.ConfigID, user.ExternalID,
		user.Username, user.Email, user.DisplayName, user.Active, attrsJSON,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create directory user: %w", err)
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// UpdateUser updates a local user record in place.
func (s *SQLStorage) UpdateUser(ctx context.Context, user *User) error {
	attrsJSON, err := marshalAttributes(user.Attributes)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE directory_users
		SET username = $2, email = $3, display_name = $4, active = $5, attributes = $6, updated_at = $7
		WHERE id = $1
	`, user.ID, user.Username, user.Email, user.DisplayName, user.Active, attrsJSON, now)
	if err != nil {
		return fmt.Errorf("failed to update directory user: %w", err)
	}
	user.UpdatedAt = now
	return nil
}

// DeactivateUser flips a user inactive, preserving the record.
func (s *SQLStorage) DeactivateUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE directory_users SET active = FALSE, updated_at = $2 WHERE id = $1`,
		userID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to deactivate directory user: %w", err)
	}
	return nil
}

// ListGroups returns all local groups for a config.
func (s *SQLStorage) ListGroups(ctx context.Context, configID int64) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, config_id, external_id, display_name, created_at, updated_at
		FROM directory_groups WHERE config_id = $1
	`, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		var g Group
		err := rows.Scan(&g.ID, &g.TenantID, &g.ConfigID, &g.ExternalID, &g.DisplayName, &g.CreatedAt, &g.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan directory group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// CreateGroup inserts a local group record.
func (s *SQLStorage) CreateGroup(ctx context.Context, group *Group) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directory_groups (id, tenant_id, config_id, external_id, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, group.ID, group.TenantID, group.ConfigID, group.ExternalID, group.DisplayName, now, now)
	if err != nil {
		return fmt.Errorf("failed to create directory group: %w", err)
	}
	group.CreatedAt = now
	group.UpdatedAt = now
	return nil
}

// UpdateGroup updates a local group record.
func (s *SQLStorage) UpdateGroup(ctx context.Context, group *Group) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE directory_groups SET display_name = $2, updated_at = $3 WHERE id = $1`,
		group.ID, group.DisplayName, now)
	if err != nil {
		return fmt.Errorf("failed to update directory group: %w", err)
	}
	group.UpdatedAt = now
	return nil
}

// DeleteGroup removes a local group and its memberships.
func (s *SQLStorage) DeleteGroup(ctx context.Context, group *Group) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM directory_memberships WHERE config_id = $1 AND group_external_id = $2`,
		group.ConfigID, group.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to delete group memberships: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM directory_groups WHERE id = $1`, group.ID)
	if err != nil {
		return fmt.Errorf("failed to delete directory group: %w", err)
	}
	return nil
}

// ListMemberships returns all membership pairs for a config.
func (s *SQLStorage) ListMemberships(ctx context.Context, configID int64) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_external_id, group_external_id FROM directory_memberships WHERE config_id = $1`,
		configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserExternalID, &m.GroupExternalID); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// UpsertMembership records a user-group link; idempotent by pair.
func (s *SQLStorage) UpsertMembership(ctx context.Context, tenantID string, configID int64, m Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directory_memberships (config_id, tenant_id, user_external_id, group_external_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (config_id, user_external_id, group_external_id) DO NOTHING
	`, configID, tenantID, m.UserExternalID, m.GroupExternalID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// RemoveMembership deletes a user-group link.
func (s *SQLStorage) RemoveMembership(ctx context.Context, configID int64, m Membership) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM directory_memberships WHERE config_id = $1 AND user_external_id = $2 AND group_external_id = $3`,
		configID, m.UserExternalID, m.GroupExternalID)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return nil
}

// ListActiveUserClaims assembles resolution input for every active
// directory user of a tenant: group display names plus stored attributes.
// Implements the role engine's user source.
func (s *SQLStorage) ListActiveUserClaims(ctx context.Context, tenantID string) ([]rolemap.UserClaims, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.attributes, g.display_name
		FROM directory_users u
		LEFT JOIN directory_memberships m
			ON m.config_id = u.config_id AND m.user_external_id = u.external_id
		LEFT JOIN directory_groups g
			ON g.config_id = u.config_id AND g.external_id = m.group_external_id
		WHERE u.tenant_id = $1 AND u.active = TRUE
		ORDER BY u.id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active user claims: %w", err)
	}
	defer rows.Close()

	var claims []rolemap.UserClaims
	index := make(map[string]int)
	for rows.Next() {
		var userID, attrsJSON string
		var groupName sql.NullString
		if err := rows.Scan(&userID, &attrsJSON, &groupName); err != nil {
			return nil, fmt.Errorf("failed to scan user claims: %w", err)
		}

		i, ok := index[userID]
		if !ok {
			var attrs map[string]string
			if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal user attributes: %w", err)
			}
			input := rolemap.ResolutionInput{}
			if len(attrs) > 0 {
				input.Attributes = make(map[string][]string, len(attrs))
				for k, v := range attrs {
					input.Attributes[k] = []string{v}
				}
			}
			claims = append(claims, rolemap.UserClaims{UserID: userID, Input: input})
			i = len(claims) - 1
			index[userID] = i
		}
		if groupName.Valid && groupName.String != "" {
			claims[i].Input.Groups = append(claims[i].Input.Groups, groupName.String)
		}
	}
	return claims, rows.Err()
}

func marshalAttributes(attrs map[string]string) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return string(data), nil
}

func scanSyncConfig(row rowScanner) (*SyncConfig, error) {
	var cfg SyncConfig
	var sourceType, connJSON, lastStatus string
	var lastSyncAt sql.NullTime

	err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &sourceType, &connJSON,
		&cfg.SyncUsers, &cfg.SyncGroups, &cfg.SyncRoles,
		&cfg.UserFilter, &cfg.GroupFilter,
		&cfg.ScheduleEnabled, &cfg.IntervalMinutes, &cfg.Enabled,
		&lastSyncAt, &lastStatus,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.SourceType = SourceKind(sourceType)
	cfg.LastSyncStatus = lastStatus
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		cfg.LastSyncAt = &t
	}
	if err := json.Unmarshal([]byte(connJSON), &cfg.Connection); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection settings: %w", err)
	}
	return &cfg, nil
}

func scanSyncJob(row rowScanner) (*SyncJob, error) {
	var job SyncJob
	var jobType, status, countersJSON, errorsJSON string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.ConfigID, &job.TenantID, &jobType, &status,
		&countersJSON, &errorsJSON, &job.ErrorMessage,
		&startedAt, &finishedAt, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = SyncType(jobType)
	job.Status = JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(countersJSON), &job.Counters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job counters: %w", err)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &job.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job errors: %w", err)
	}
	return &job, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
