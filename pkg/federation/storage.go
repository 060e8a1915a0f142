package federation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/fedgate/pkg/oidc"
	"github.com/platinummonkey/fedgate/pkg/saml"
)

// Storage errors callers branch on.
var (
	ErrConfigNotFound     = errors.New("federation config not found")
	ErrConfigNameTaken    = errors.New("a federation config with this name already exists")
	ErrActiveConfigExists = errors.New("an enabled config already exists for this protocol")
)

// Storage persists federation configs and the secret material the JSON
// tags keep out of API responses.
type Storage struct {
	db *sql.DB
}

// NewStorage creates the config storage layer.
func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// Migrate creates the federation tables if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS federation_configs (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		provider_type TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		auto_provision BOOLEAN NOT NULL DEFAULT TRUE,
		default_role TEXT NOT NULL DEFAULT '',
		saml_config TEXT,
		oidc_config TEXT,
		saml_private_key TEXT NOT NULL DEFAULT '',
		oidc_client_secret TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, name)
	);

	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_login_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_tenant_email ON users(tenant_id, email);

	CREATE TABLE IF NOT EXISTS federated_identities (
		id BIGSERIAL PRIMARY KEY,
		config_id BIGINT NOT NULL,
		subject TEXT NOT NULL,
		user_id BIGINT NOT NULL,
		last_login_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (config_id, subject)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create federation tables: %w", err)
	}
	return nil
}

// CreateConfig stores a new config. At most one enabled config may exist
// per tenant and protocol.
func (s *Storage) CreateConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid federation config: %w", err)
	}

	exists, err := s.nameExists(ctx, cfg.TenantID, cfg.Name)
	if err != nil {
		return err
	}
	if exists {
		return ErrConfigNameTaken
	}

	if cfg.Enabled {
		if err := s.checkActiveSlot(ctx, cfg.TenantID, cfg.ProviderType, 0); err != nil {
			return err
		}
	}

	samlJSON, oidcJSON, samlKey, oidcSecret, err := marshalProtocolConfigs(cfg)
	if err != nil {
		return err
	}

	now := time.Now()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO federation_configs (tenant_id, name, provider_type, provider_name, enabled, auto_provision, default_role, saml_config, oidc_config, saml_private_key, oidc_client_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		cfg.TenantID, cfg.Name, string(cfg.ProviderType), string(cfg.ProviderName),
		cfg.Enabled, cfg.AutoProvision, cfg.DefaultRole,
		samlJSON, oidcJSON, samlKey, oidcSecret,
		now, now,
	).Scan(&cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to create federation config: %w", err)
	}

	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return nil
}

const configColumns = `id, tenant_id, name, provider_type, provider_name, enabled, auto_provision, default_role, saml_config, oidc_config, saml_private_key, oidc_client_secret, created_at, updated_at`

// GetConfig retrieves a tenant's config by name, secrets included.
func (s *Storage) GetConfig(ctx context.Context, tenantID, name string) (*Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM federation_configs WHERE tenant_id = $1 AND name = $2`,
		tenantID, name)
	return scanConfigRow(row)
}

// GetConfigByID retrieves a config by id.
func (s *Storage) GetConfigByID(ctx context.Context, id int64) (*Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM federation_configs WHERE id = $1`, id)
	return scanConfigRow(row)
}

// GetActiveConfig returns the tenant's single enabled config for a
// protocol.
func (s *Storage) GetActiveConfig(ctx context.Context, tenantID string, providerType ProviderType) (*Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM federation_configs WHERE tenant_id = $1 AND provider_type = $2 AND enabled = TRUE`,
		tenantID, string(providerType))
	return scanConfigRow(row)
}

// ListConfigs returns a tenant's configs ordered by name.
func (s *Storage) ListConfigs(ctx context.Context, tenantID string) ([]*Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM federation_configs WHERE tenant_id = $1 ORDER BY name`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list federation configs: %w", err)
	}
	defer rows.Close()

	var configs []*Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpdateConfig replaces a config's definition. The tenant and name are
// immutable.
func (s *Storage) UpdateConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid federation config: %w", err)
	}

	if cfg.Enabled {
		if err := s.checkActiveSlot(ctx, cfg.TenantID, cfg.ProviderType, cfg.ID); err != nil {
			return err
		}
	}

	samlJSON, oidcJSON, samlKey, oidcSecret, err := marshalProtocolConfigs(cfg)
	if err != nil {
		return err
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE federation_configs
		SET provider_type = $2, provider_name = $3, enabled = $4, auto_provision = $5, default_role = $6, saml_config = $7, oidc_config = $8, saml_private_key = $9, oidc_client_secret = $10, updated_at = $11
		WHERE id = $1
	`,
		cfg.ID, string(cfg.ProviderType), string(cfg.ProviderName),
		cfg.Enabled, cfg.AutoProvision, cfg.DefaultRole,
		samlJSON, oidcJSON, samlKey, oidcSecret, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update federation config: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConfigNotFound
	}
	cfg.UpdatedAt = now
	return nil
}

// DeleteConfig removes a config and its identity links.
func (s *Storage) DeleteConfig(ctx context.Context, tenantID, name string) error {
	cfg, err := s.GetConfig(ctx, tenantID, name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM federated_identities WHERE config_id = $1`, cfg.ID); err != nil {
		return fmt.Errorf("failed to delete identity links: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM federation_configs WHERE id = $1`, cfg.ID); err != nil {
		return fmt.Errorf("failed to delete federation config: %w", err)
	}
	return nil
}

func (s *Storage) nameExists(ctx context.Context, tenantID, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM federation_configs WHERE tenant_id = $1 AND name = $2)`,
		tenantID, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check config name: %w", err)
	}
	return exists, nil
}

// checkActiveSlot enforces the one-enabled-config-per-protocol invariant.
// excludeID skips the config being updated.
func (s *Storage) checkActiveSlot(ctx context.Context, tenantID string, providerType ProviderType, excludeID int64) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM federation_configs WHERE tenant_id = $1 AND provider_type = $2 AND enabled = TRUE AND id != $3)`,
		tenantID, string(providerType), excludeID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check active config slot: %w", err)
	}
	if exists {
		return ErrActiveConfigExists
	}
	return nil
}

// marshalProtocolConfigs splits the protocol config into its JSON body and
// the secret fields stored in dedicated columns, since the JSON tags
// deliberately drop them.
func marshalProtocolConfigs(cfg *Config) (samlJSON, oidcJSON sql.NullString, samlKey, oidcSecret string, err error) {
	if cfg.SAML != nil {
		data, merr := json.Marshal(cfg.SAML)
		if merr != nil {
			err = fmt.Errorf("failed to marshal SAML config: %w", merr)
			return
		}
		samlJSON = sql.NullString{String: string(data), Valid: true}
		samlKey = cfg.SAML.PrivateKey
	}
	if cfg.OIDC != nil {
		data, merr := json.Marshal(cfg.OIDC)
		if merr != nil {
			err = fmt.Errorf("failed to marshal OIDC config: %w", merr)
			return
		}
		oidcJSON = sql.NullString{String: string(data), Valid: true}
		oidcSecret = cfg.OIDC.ClientSecret
	}
	return
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfigRow(row rowScanner) (*Config, error) {
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get federation config: %w", err)
	}
	return cfg, nil
}

func scanConfig(row rowScanner) (*Config, error) {
	var cfg Config
	var providerType, providerName, samlKey, oidcSecret string
	var samlJSON, oidcJSON sql.NullString

	err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &providerType, &providerName,
		&cfg.Enabled, &cfg.AutoProvision, &cfg.DefaultRole,
		&samlJSON, &oidcJSON, &samlKey, &oidcSecret,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.ProviderType = ProviderType(providerType)
	cfg.ProviderName = ProviderName(providerName)

	if samlJSON.Valid && samlJSON.String != "" {
		cfg.SAML = &saml.Config{}
		if err := json.Unmarshal([]byte(samlJSON.String), cfg.SAML); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SAML config: %w", err)
		}
		cfg.SAML.PrivateKey = samlKey
	}
	if oidcJSON.Valid && oidcJSON.String != "" {
		cfg.OIDC = &oidc.Config{}
		if err := json.Unmarshal([]byte(oidcJSON.String), cfg.OIDC); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OIDC config: %w", err)
		}
		cfg.OIDC.ClientSecret = oidcSecret
	}
	return &cfg, nil
}
