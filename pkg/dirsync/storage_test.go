package dirsync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var configColumns = []string{
	"id", "tenant_id", "name", "source_type", "connection",
	"sync_users", "sync_groups", "sync_roles", "user_filter", "group_filter",
	"schedule_enabled", "interval_minutes", "enabled",
	"last_sync_at", "last_sync_status", "created_at", "updated_at",
}

func TestSQLStorage_CreateConfig(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewSQLStorage(db)

	cfg := testConfig(0)
	mock.ExpectQuery("INSERT INTO sync_configs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))

	require.NoError(t, storage.CreateConfig(context.Background(), cfg))
	assert.Equal(t, int64(3), cfg.ID)
	assert.False(t, cfg.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_CreateConfigValidates(t *testing.T) {
	db, _ := setupMockDB(t)
	storage := NewSQLStorage(db)

	err := storage.CreateConfig(context.Background(), &SyncConfig{TenantID: "tenant-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sync config")
}

func TestSQLStorage_GetConfig(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewSQLStorage(db)

	now := time.Now()
	lastSync := now.Add(-30 * time.Minute)
	rows := sqlmock.NewRows(configColumns).AddRow(
		int64(1), "tenant-1", "corp directory", "scim", `{"base_url":"https://idp.example.com/scim/v2"}`,
		true, true, false, "", "",
		true, 15, true,
		lastSync, "completed", now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM sync_configs WHERE id").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	cfg, err := storage.GetConfig(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, SourceKindSCIM, cfg.SourceType)
	assert.Equal(t, "https://idp.example.com/scim/v2", cfg.Connection.BaseURL)
	require.NotNil(t, cfg.LastSyncAt)
	assert.Equal(t, "completed", cfg.LastSyncStatus)
}

func TestSQLStorage_GetConfigNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewSQLStorage(db)

	mock.ExpectQuery("SELECT (.+) FROM sync_configs WHERE id").
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := storage.GetConfig(context.Background(), 9)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestSQLStorage_UpdateJobNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewSQLStorage(db)

	mock.ExpectExec("UPDATE sync_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := storage.UpdateJob(context.Background(), &SyncJob{ID: "no-such-job"})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSQLStorage_CreateJobAssignsID(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewSQLStorage(db)

	mock.ExpectExec("INSERT INTO sync_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	job := &SyncJob{ConfigID: 1, TenantID: "tenant-1", Type: SyncTypeFull, Status: JobStatusPending}
	require.NoError(t, storage.CreateJob(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestSQLStorage_GetJobRoundTripsState(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewSQLStorage(db)

	started := time.Now().Add(-1 * time.Minute)
	finished := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "config_id", "tenant_id", "type", "status",
		"counters", "errors", "error_message", "started_at", "finished_at", "created_at",
	}).AddRow(
		"job-1", int64(1), "tenant-1", "full", "partial",
		`{"processed":5,"created":3,"updated":1,"deactivated":0,"skipped":1}`,
		`[{"category":"user","external_id":"u-9","message":"write failed"}]`,
		"", started, finished, started,
	)
	mock.ExpectQuery("SELECT (.+) FROM sync_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPartial, job.Status)
	assert.Equal(t, 5, job.Counters.Processed)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, "u-9", job.Errors[0].ExternalID)
	require.NotNil(t, job.FinishedAt)
}

func TestSQLStorage_ListActiveUserClaimsAggregatesGroups(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewSQLStorage(db)

	// One row per user-group pair; users without groups get a NULL group.
	rows := sqlmock.NewRows([]string{"id", "attributes", "display_name"}).
		AddRow("user-1", `{"title":"Engineer"}`, "Engineering").
		AddRow("user-1", `{"title":"Engineer"}`, "Platform-Admins").
		AddRow("user-2", `{}`, nil)
	mock.ExpectQuery("SELECT (.+) FROM directory_users").
		WithArgs("tenant-1").
		WillReturnRows(rows)

	claims, err := storage.ListActiveUserClaims(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, claims, 2)

	assert.Equal(t, "user-1", claims[0].UserID)
	assert.Equal(t, []string{"Engineering", "Platform-Admins"}, claims[0].Input.Groups)
	assert.Equal(t, []string{"Engineer"}, claims[0].Input.Attributes["title"])

	assert.Equal(t, "user-2", claims[1].UserID)
	assert.Empty(t, claims[1].Input.Groups)
}

func TestSQLStorage_UpdateConfigSyncState(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewSQLStorage(db)

	mock.ExpectExec("UPDATE sync_configs SET last_sync_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := storage.UpdateConfigSyncState(context.Background(), 1, time.Now(), JobStatusCompleted)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SyncConfig)
		wantErr string
	}{
		{"valid", func(c *SyncConfig) {}, ""},
		{"missing tenant", func(c *SyncConfig) { c.TenantID = "" }, "tenant_id is required"},
		{"scim without base url", func(c *SyncConfig) { c.Connection.BaseURL = "" }, "base_url is required"},
		{"unknown source", func(c *SyncConfig) { c.SourceType = "ldap" }, "invalid source_type"},
		{"nothing to sync", func(c *SyncConfig) { c.SyncUsers, c.SyncGroups = false, false }, "at least one"},
		{"scheduled without interval", func(c *SyncConfig) { c.ScheduleEnabled = true }, "interval_minutes"},
		{"aws without store id", func(c *SyncConfig) {
			c.SourceType = SourceKindAWSIdentityStore
			c.Connection = ConnectionSettings{Region: "us-east-1"}
		}, "identity_store_id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(1)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
