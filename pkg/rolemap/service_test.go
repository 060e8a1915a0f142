package rolemap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fedgate/pkg/audit"
)

type recordingAudit struct {
	events []*audit.Event
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

type fakeUserSource struct {
	users []UserClaims
	err   error
}

func (f *fakeUserSource) ListActiveUserClaims(ctx context.Context, tenantID string) ([]UserClaims, error) {
	return f.users, f.err
}

func enabledMappingRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(mappingColumns).
		AddRow(int64(1), "tenant-1", "admins", "group", "", "Admins", "", "ADMIN", `[]`, 1, true, now, now)
}

func TestService_AssignRolesWritesAudit(t *testing.T) {
	db, mock := setupMockDB(t)
	auditLog := &recordingAudit{}
	svc := NewService(NewStore(db), nil, auditLog, nil)

	mock.ExpectQuery("SELECT (.+) FROM role_mappings").WillReturnRows(enabledMappingRows())
	mock.ExpectExec("INSERT INTO user_role_assignments").WillReturnResult(sqlmock.NewResult(0, 1))

	resolution, err := svc.AssignRoles(context.Background(), "tenant-1", "user-1", ResolutionInput{Groups: []string{"Admins"}})
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdmin}, resolution.Roles)

	require.Len(t, auditLog.events, 1)
	event := auditLog.events[0]
	assert.Equal(t, audit.EventTypeAuthzRoleChange, event.EventType)
	assert.Equal(t, audit.EventStatusSuccess, event.Status)
	assert.Equal(t, "user-1", event.UserID)
	assert.Equal(t, []string{RoleAdmin}, event.Metadata["roles"])
}

func TestService_AssignRolesSaveFailureAudited(t *testing.T) {
	db, mock := setupMockDB(t)
	auditLog := &recordingAudit{}
	svc := NewService(NewStore(db), nil, auditLog, nil)

	mock.ExpectQuery("SELECT (.+) FROM role_mappings").WillReturnRows(enabledMappingRows())
	mock.ExpectExec("INSERT INTO user_role_assignments").WillReturnError(errors.New("write conflict"))

	_, err := svc.AssignRoles(context.Background(), "tenant-1", "user-1", ResolutionInput{Groups: []string{"Admins"}})
	require.Error(t, err)

	require.Len(t, auditLog.events, 1)
	assert.Equal(t, audit.EventStatusFailure, auditLog.events[0].Status)
	assert.Contains(t, auditLog.events[0].ErrorMessage, "write conflict")
}

func TestService_SyncUserRolesIsolatesFailures(t *testing.T) {
	db, mock := setupMockDB(t)
	users := &fakeUserSource{users: []UserClaims{
		{UserID: "user-1", Input: ResolutionInput{Groups: []string{"Admins"}}},
		{UserID: "user-2", Input: ResolutionInput{Groups: []string{"Everyone"}}},
		{UserID: "user-3", Input: ResolutionInput{Groups: []string{"Admins"}}},
	}}
	svc := NewService(NewStore(db), users, nil, nil)

	// user-1 succeeds
	mock.ExpectQuery("SELECT (.+) FROM role_mappings").WillReturnRows(enabledMappingRows())
	mock.ExpectExec("INSERT INTO user_role_assignments").WillReturnResult(sqlmock.NewResult(0, 1))
	// user-2 fails on persist
	mock.ExpectQuery("SELECT (.+) FROM role_mappings").WillReturnRows(enabledMappingRows())
	mock.ExpectExec("INSERT INTO user_role_assignments").WillReturnError(errors.New("write conflict"))
	// user-3 still runs
	mock.ExpectQuery("SELECT (.+) FROM role_mappings").WillReturnRows(enabledMappingRows())
	mock.ExpectExec("INSERT INTO user_role_assignments").WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.SyncUserRoles(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "user-2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_SyncUserRolesSourceError(t *testing.T) {
	db, _ := setupMockDB(t)
	users := &fakeUserSource{err: errors.New("directory unavailable")}
	svc := NewService(NewStore(db), users, nil, nil)

	_, err := svc.SyncUserRoles(context.Background(), "tenant-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list users for role sync")
}

func TestService_SyncUserRolesNoSource(t *testing.T) {
	db, _ := setupMockDB(t)
	svc := NewService(NewStore(db), nil, nil, nil)

	_, err := svc.SyncUserRoles(context.Background(), "tenant-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no user source configured")
}

func TestService_SyncUserRolesHonorsCancellation(t *testing.T) {
	db, _ := setupMockDB(t)
	users := &fakeUserSource{users: []UserClaims{{UserID: "user-1"}}}
	svc := NewService(NewStore(db), users, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.SyncUserRoles(ctx, "tenant-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.Processed)
}
