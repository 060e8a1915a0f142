package rolemap

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ErrMappingNotFound is returned when a mapping id does not exist for the
// tenant.
var ErrMappingNotFound = fmt.Errorf("role mapping not found")

// Store persists mapping rules and resolved role assignments.
type Store struct {
	db *sql.DB
}

// NewStore creates a role-mapping store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the role-mapping tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS role_mappings (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_attribute TEXT NOT NULL DEFAULT '',
			source_value TEXT NOT NULL DEFAULT '',
			source_pattern TEXT NOT NULL DEFAULT '',
			target_role TEXT NOT NULL,
			target_permissions TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 100,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_role_mappings_tenant ON role_mappings(tenant_id, priority, id);

		CREATE TABLE IF NOT EXISTS user_role_assignments (
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			roles TEXT NOT NULL DEFAULT '[]',
			permissions TEXT NOT NULL DEFAULT '[]',
			resolved_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, user_id)
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create role mapping tables: %w", err)
	}
	return nil
}

// CreateMapping inserts a mapping and populates its id and timestamps.
func (s *Store) CreateMapping(ctx context.Context, m *Mapping) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid role mapping: %w", err)
	}

	permsJSON, err := json.Marshal(m.TargetPermissions)
	if err != nil {
		return fmt.Errorf("failed to marshal target permissions: %w", err)
	}

	query := `
		INSERT INTO role_mappings (tenant_id, name, source_type, source_attribute, source_value, source_pattern, target_role, target_permissions, priority, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	now := time.Now()
	err = s.db.QueryRowContext(ctx, query,
		m.TenantID,
		m.Name,
		string(m.SourceType),
		m.SourceAttribute,
		m.SourceValue,
		m.SourcePattern,
		m.TargetRole,
		string(permsJSON),
		m.Priority,
		m.Enabled,
		now,
		now,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to create role mapping: %w", err)
	}

	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// GetMapping retrieves one mapping scoped to the tenant.
func (s *Store) GetMapping(ctx context.Context, tenantID string, id int64) (*Mapping, error) {
	query := `
		SELECT id, tenant_id, name, source_type, source_attribute, source_value, source_pattern, target_role, target_permissions, priority, enabled, created_at, updated_at
		FROM role_mappings
		WHERE tenant_id = $1 AND id = $2
	`

	m, err := scanMapping(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role mapping: %w", err)
	}
	return m, nil
}

// ListMappings returns all mappings for a tenant in evaluation order
// (priority ascending, then insertion order).
func (s *Store) ListMappings(ctx context.Context, tenantID string) ([]*Mapping, error) {
	return s.listMappings(ctx, tenantID, false)
}

// ListEnabledMappings returns only enabled mappings, in evaluation order.
func (s *Store) ListEnabledMappings(ctx context.Context, tenantID string) ([]*Mapping, error) {
	return s.listMappings(ctx, tenantID, true)
}

func (s *Store) listMappings(ctx context.Context, tenantID string, enabledOnly bool) ([]*Mapping, error) {
	query := `
		SELECT id, tenant_id, name, source_type, source_attribute, source_value, source_pattern, target_role, target_permissions, priority, enabled, created_at, updated_at
		FROM role_mappings
		WHERE tenant_id = $1
	`
	if enabledOnly {
		query += " AND enabled = TRUE"
	}
	query += " ORDER BY priority ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// UpdateMapping updates a mapping in place, keyed by tenant and id.
func (s *Store) UpdateMapping(ctx context.Context, m *Mapping) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid role mapping: %w", err)
	}

	permsJSON, err := json.Marshal(m.TargetPermissions)
	if err != nil {
		return fmt.Errorf("failed to marshal target permissions: %w", err)
	}

	query := `
		UPDATE role_mappings
		SET name = $3, source_type = $4, source_attribute = $5, source_value = $6, source_pattern = $7, target_role = $8, target_permissions = $9, priority = $10, enabled = $11, updated_at = $12
		WHERE tenant_id = $1 AND id = $2
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query,
		m.TenantID,
		m.ID,
		m.Name,
		string(m.SourceType),
		m.SourceAttribute,
		m.SourceValue,
		m.SourcePattern,
		m.TargetRole,
		string(permsJSON),
		m.Priority,
		m.Enabled,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update role mapping: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrMappingNotFound
	}

	m.UpdatedAt = now
	return nil
}

// DeleteMapping removes a mapping.
func (s *Store) DeleteMapping(ctx context.Context, tenantID string, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM role_mappings WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete role mapping: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// SaveUserRoles upserts the resolved role and permission set for a user.
func (s *Store) SaveUserRoles(ctx context.Context, tenantID, userID string, roles, permissions []string) error {
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}
	permsJSON, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO user_role_assignments (tenant_id, user_id, roles, permissions, resolved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET roles = EXCLUDED.roles, permissions = EXCLUDED.permissions, resolved_at = EXCLUDED.resolved_at
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, userID, string(rolesJSON), string(permsJSON), time.Now()); err != nil {
		return fmt.Errorf("failed to save user roles: %w", err)
	}
	return nil
}

// GetUserRoles returns the stored role and permission set for a user, or
// nil slices when no assignment exists yet.
func (s *Store) GetUserRoles(ctx context.Context, tenantID, userID string) (roles, permissions []string, err error) {
	var rolesJSON, permsJSON string
	err = s.db.QueryRowContext(ctx,
		`SELECT roles, permissions FROM user_role_assignments WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	).Scan(&rolesJSON, &permsJSON)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user roles: %w", err)
	}

	if err := json.Unmarshal([]byte(rolesJSON), &roles); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal roles: %w", err)
	}
	if err := json.Unmarshal([]byte(permsJSON), &permissions); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	return roles, permissions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMapping(row rowScanner) (*Mapping, error) {
	var m Mapping
	var sourceType, permsJSON string

	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.Name,
		&sourceType,
		&m.SourceAttribute,
		&m.SourceValue,
		&m.SourcePattern,
		&m.TargetRole,
		&permsJSON,
		&m.Priority,
		&m.Enabled,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.SourceType = SourceType(sourceType)
	if err := json.Unmarshal([]byte(permsJSON), &m.TargetPermissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target permissions: %w", err)
	}
	return &m, nil
}
