package federation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fedgate/pkg/claims"
)

var userColumns = []string{
	"id", "tenant_id", "username", "email", "display_name", "active",
	"created_at", "updated_at", "last_login_at",
}

func testIdentity() *claims.Identity {
	return &claims.Identity{
		SubjectID:   "ext-123",
		Username:    "alice",
		Email:       "alice@example.com",
		DisplayName: "Alice Example",
	}
}

func TestProvisioner_CreatesNewUser(t *testing.T) {
	db, mock := setupMockDB(t)
	provisioner := NewProvisioner(db)

	cfg := testOIDCConfig()
	cfg.ID = 5
	cfg.AutoProvision = true

	now := time.Now()
	mock.ExpectQuery("SELECT user_id FROM federated_identities").
		WithArgs(int64(5), "ext-123").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("tenant-1", "alice", "alice@example.com", "Alice Example").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectExec("INSERT INTO federated_identities").
		WithArgs(int64(5), "ext-123", int64(42)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(
			int64(42), "tenant-1", "alice", "alice@example.com", "Alice Example", true, now, now, now))

	user, created, err := provisioner.ProvisionUser(context.Background(), cfg, testIdentity())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisioner_UpdatesExistingUser(t *testing.T) {
	db, mock := setupMockDB(t)
	provisioner := NewProvisioner(db)

	cfg := testOIDCConfig()
	cfg.ID = 5

	now := time.Now()
	mock.ExpectQuery("SELECT user_id FROM federated_identities").
		WithArgs(int64(5), "ext-123").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(42))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").
		WithArgs(int64(42), "alice@example.com", "Alice Example").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE federated_identities").
		WithArgs(int64(5), "ext-123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(
			int64(42), "tenant-1", "alice", "alice@example.com", "Alice Example", true, now, now, now))

	user, created, err := provisioner.ProvisionUser(context.Background(), cfg, testIdentity())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(42), user.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisioner_DisabledWithoutLink(t *testing.T) {
	db, mock := setupMockDB(t)
	provisioner := NewProvisioner(db)

	cfg := testOIDCConfig()
	cfg.ID = 5
	cfg.AutoProvision = false

	mock.ExpectQuery("SELECT user_id FROM federated_identities").
		WillReturnError(sql.ErrNoRows)

	_, _, err := provisioner.ProvisionUser(context.Background(), cfg, testIdentity())
	assert.ErrorIs(t, err, ErrProvisioningDisabled)
}

func TestProvisioner_UsernameFallsBackToEmail(t *testing.T) {
	db, mock := setupMockDB(t)
	provisioner := NewProvisioner(db)

	cfg := testOIDCConfig()
	cfg.ID = 5
	cfg.AutoProvision = true

	identity := testIdentity()
	identity.Username = ""

	now := time.Now()
	mock.ExpectQuery("SELECT user_id FROM federated_identities").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("tenant-1", "alice@example.com", "alice@example.com", "Alice Example").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(43))
	mock.ExpectExec("INSERT INTO federated_identities").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(
			int64(43), "tenant-1", "alice@example.com", "alice@example.com", "Alice Example", true, now, now, now))

	user, _, err := provisioner.ProvisionUser(context.Background(), cfg, identity)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Username)
}
