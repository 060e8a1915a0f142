package federation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/fedgate/pkg/claims"
)

// ErrProvisioningDisabled is returned when a login authenticates against a
// config that does not auto-provision and no existing link is found.
var ErrProvisioningDisabled = errors.New("auto-provisioning is disabled for this provider")

// Provisioner upserts local users from validated federated identities.
type Provisioner struct {
	db *sql.DB
}

// NewProvisioner creates the JIT provisioner.
func NewProvisioner(db *sql.DB) *Provisioner {
	return &Provisioner{db: db}
}

// ProvisionUser creates or updates the local user for an authenticated
// identity and refreshes its identity link. Returns the user and whether
// it was created on this login.
func (p *Provisioner) ProvisionUser(ctx context.Context, cfg *Config, identity *claims.Identity) (*User, bool, error) {
	var userID int64
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id FROM federated_identities
		WHERE config_id = $1 AND subject = $2
	`, cfg.ID, identity.SubjectID).Scan(&userID)

	if err == sql.ErrNoRows {
		if !cfg.AutoProvision {
			return nil, false, ErrProvisioningDisabled
		}
		user, err := p.createUser(ctx, cfg, identity)
		return user, true, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up identity link: %w", err)
	}

	user, err := p.updateUser(ctx, cfg, userID, identity)
	return user, false, err
}

func (p *Provisioner) createUser(ctx context.Context, cfg *Config, identity *claims.Identity) (*User, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	username := identity.Username
	if username == "" {
		username = identity.Email
	}

	var userID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (tenant_id, username, email, display_name, active, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW(), NOW())
		RETURNING id
	`, cfg.TenantID, username, identity.Email, identity.DisplayName).Scan(&userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO federated_identities (config_id, subject, user_id, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW(), NOW())
	`, cfg.ID, identity.SubjectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return p.getUser(ctx, userID)
}

func (p *Provisioner) updateUser(ctx context.Context, cfg *Config, userID int64, identity *claims.Identity) (*User, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET email = $2, display_name = $3, updated_at = NOW(), last_login_at = NOW()
		WHERE id = $1
	`, userID, identity.Email, identity.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE federated_identities
		SET last_login_at = NOW(), updated_at = NOW()
		WHERE config_id = $1 AND subject = $2
	`, cfg.ID, identity.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh identity link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return p.getUser(ctx, userID)
}

func (p *Provisioner) getUser(ctx context.Context, userID int64) (*User, error) {
	user := &User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, username, email, display_name, active, created_at, updated_at, last_login_at
		FROM users WHERE id = $1
	`, userID).Scan(
		&user.ID, &user.TenantID, &user.Username, &user.Email, &user.DisplayName,
		&user.Active, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return user, nil
}

// GetIdentityLink returns the link for an external subject.
func (p *Provisioner) GetIdentityLink(ctx context.Context, configID int64, subject string) (*IdentityLink, error) {
	link := &IdentityLink{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, config_id, subject, user_id, last_login_at, created_at, updated_at
		FROM federated_identities
		WHERE config_id = $1 AND subject = $2
	`, configID, subject).Scan(
		&link.ID, &link.ConfigID, &link.Subject, &link.UserID,
		&link.LastLoginAt, &link.CreatedAt, &link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// DeleteIdentityLink removes a link, forcing re-provisioning on the next
// login.
func (p *Provisioner) DeleteIdentityLink(ctx context.Context, configID int64, subject string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM federated_identities WHERE config_id = $1 AND subject = $2
	`, configID, subject)
	return err
}
