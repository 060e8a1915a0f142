package federation

import (
	"fmt"
	"time"

	"github.com/platinummonkey/fedgate/pkg/oidc"
	"github.com/platinummonkey/fedgate/pkg/saml"
)

// ProviderType selects the federation protocol.
type ProviderType string

const (
	ProviderTypeSAML ProviderType = "saml"
	ProviderTypeOIDC ProviderType = "oidc"
)

// ProviderName identifies a well-known provider for preset defaults, or a
// generic entry when no preset applies.
type ProviderName string

const (
	ProviderAzureAD     ProviderName = "azuread"
	ProviderOkta        ProviderName = "okta"
	ProviderGoogle      ProviderName = "google"
	ProviderGenericSAML ProviderName = "generic_saml"
	ProviderGenericOIDC ProviderName = "generic_oidc"
)

// Config is a tenant-scoped identity provider configuration. Exactly one
// of SAML or OIDC is set, matching the provider type.
type Config struct {
	ID           int64        `json:"id"`
	TenantID     string       `json:"tenant_id"`
	Name         string       `json:"name"`
	ProviderType ProviderType `json:"provider_type"`
	ProviderName ProviderName `json:"provider_name"`

	Enabled       bool   `json:"enabled"`
	AutoProvision bool   `json:"auto_provision"`
	DefaultRole   string `json:"default_role,omitempty"`

	SAML *saml.Config `json:"saml_config,omitempty"`
	OIDC *oidc.Config `json:"oidc_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the config shape and delegates protocol settings to the
// protocol package.
func (c *Config) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}

	switch c.ProviderType {
	case ProviderTypeSAML:
		if c.SAML == nil {
			return fmt.Errorf("saml_config is required for SAML providers")
		}
		if c.OIDC != nil {
			return fmt.Errorf("oidc_config is not allowed on a SAML provider")
		}
		return c.SAML.Validate()
	case ProviderTypeOIDC:
		if c.OIDC == nil {
			return fmt.Errorf("oidc_config is required for OIDC providers")
		}
		if c.SAML != nil {
			return fmt.Errorf("saml_config is not allowed on an OIDC provider")
		}
		return c.OIDC.Validate()
	default:
		return fmt.Errorf("invalid provider_type: %q", c.ProviderType)
	}
}

// User is a locally provisioned account backed by a federated identity.
type User struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// IdentityLink ties a local user to the external subject that provisioned
// it, scoped to the config that authenticated the login.
type IdentityLink struct {
	ID          int64     `json:"id"`
	ConfigID    int64     `json:"config_id"`
	Subject     string    `json:"subject"`
	UserID      int64     `json:"user_id"`
	LastLoginAt time.Time `json:"last_login_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
