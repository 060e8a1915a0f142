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
	"github.com/platinummonkey/fedgate/pkg/oidc"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func testOIDCConfig() *Config {
	return &Config{
		TenantID:     "tenant-1",
		Name:         "corp-okta",
		ProviderType: ProviderTypeOIDC,
		ProviderName: ProviderOkta,
		Enabled:      true,
		OIDC: &oidc.Config{
			IssuerURL:    "https://corp.okta.com",
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "https://fedgate.example.com/auth/tenant-1/oidc/callback",
			Scopes:       []string{"openid", "email"},
			AttributeMapping: claims.AttributeMap{
				SubjectID: "sub",
				Email:     "email",
			},
		},
	}
}

var fedConfigColumns = []string{
	"id", "tenant_id", "name", "provider_type", "provider_name",
	"enabled", "auto_provision", "default_role",
	"saml_config", "oidc_config", "saml_private_key", "oidc_client_secret",
	"created_at", "updated_at",
}

func TestStorage_CreateConfig(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewStorage(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("tenant-1", "corp-okta").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO federation_configs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

	cfg := testOIDCConfig()
	require.NoError(t, storage.CreateConfig(context.Background(), cfg))
	assert.Equal(t, int64(5), cfg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_CreateConfigRejectsSecondActive(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewStorage(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("tenant-1", "corp-okta").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// An enabled OIDC config already exists for the tenant.
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := storage.CreateConfig(context.Background(), testOIDCConfig())
	assert.ErrorIs(t, err, ErrActiveConfigExists)
}

func TestStorage_CreateConfigRejectsDuplicateName(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewStorage(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("tenant-1", "corp-okta").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := storage.CreateConfig(context.Background(), testOIDCConfig())
	assert.ErrorIs(t, err, ErrConfigNameTaken)
}

func TestStorage_CreateConfigValidates(t *testing.T) {
	db, _ := setupMockDB(t)
	storage := NewStorage(db)

	err := storage.CreateConfig(context.Background(), &Config{TenantID: "tenant-1", Name: "x", ProviderType: ProviderTypeOIDC})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oidc_config is required")
}

func TestStorage_GetActiveConfigRestoresSecrets(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewStorage(db)

	now := time.Now()
	// The JSON body omits the client secret; it lives in its own column.
	oidcJSON := `{"issuer_url":"https://corp.okta.com","client_id":"client-id","redirect_url":"https://cb","scopes":["openid"],"use_pkce":true,"check_nonce":true,"attribute_mapping":{"subject_id":"sub","email":"email"}}`
	rows := sqlmock.NewRows(fedConfigColumns).AddRow(
		int64(5), "tenant-1", "corp-okta", "oidc", "okta",
		true, true, "",
		nil, oidcJSON, "", "client-secret",
		now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM federation_configs WHERE tenant_id = (.+) AND provider_type").
		WithArgs("tenant-1", "oidc").
		WillReturnRows(rows)

	cfg, err := storage.GetActiveConfig(context.Background(), "tenant-1", ProviderTypeOIDC)
	require.NoError(t, err)
	require.NotNil(t, cfg.OIDC)
	assert.Equal(t, "client-secret", cfg.OIDC.ClientSecret)
	assert.Equal(t, "https://corp.okta.com", cfg.OIDC.IssuerURL)
	assert.True(t, cfg.OIDC.UsePKCE)
	assert.Nil(t, cfg.SAML)
}

func TestStorage_GetActiveConfigNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	storage := NewStorage(db)

	mock.ExpectQuery("SELECT (.+) FROM federation_configs").
		WillReturnError(sql.ErrNoRows)

	_, err := storage.GetActiveConfig(context.Background(), "tenant-1", ProviderTypeSAML)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}
