package oidc

import (
	"fmt"

	"github.com/platinummonkey/fedgate/pkg/claims"
)

// Config holds the per-tenant OIDC federation settings.
type Config struct {
	IssuerURL    string   `json:"issuer_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // never exposed in JSON
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`

	// Security toggles. Both default on for new configs; disabling nonce
	// checking is only for providers that do not echo the nonce claim.
	UsePKCE    bool `json:"use_pkce"`
	CheckNonce bool `json:"check_nonce"`

	AttributeMapping claims.AttributeMap `json:"attribute_mapping"`
}

// Validate checks the configuration before any network call is made.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("scopes are required")
	}

	hasOpenID := false
	for _, scope := range c.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("'openid' scope is required")
	}

	return nil
}
