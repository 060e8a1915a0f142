package saml

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/platinummonkey/fedgate/pkg/claims"
)

// Config holds the per-tenant SAML federation settings. The IdP side comes
// from the provider's metadata; the SP side is derived from the deployment
// base URL by the federation layer.
type Config struct {
	// IdP settings.
	IDPEntityID string `json:"idp_entity_id"`
	SSOURL      string `json:"sso_url"`
	SLOURL      string `json:"slo_url,omitempty"`
	Certificate string `json:"certificate"` // PEM encoded IdP signing certificate
	PrivateKey  string `json:"-"`           // optional SP signing key, never exposed

	// SP settings.
	SPEntityID string `json:"sp_entity_id"`
	ACSURL     string `json:"acs_url"`

	SignRequests     bool   `json:"sign_requests"`
	RequireSignedAll bool   `json:"require_signed_response"` // require the whole response signed, not just the assertion
	NameIDFormat     string `json:"name_id_format,omitempty"`

	AttributeMapping claims.AttributeMap `json:"attribute_mapping"`
}

// Validate checks the configuration before any handler is built from it.
// Failures here are configuration errors, not protocol errors.
func (c *Config) Validate() error {
	if c.IDPEntityID == "" {
		return fmt.Errorf("idp_entity_id is required")
	}
	if c.SSOURL == "" {
		return fmt.Errorf("sso_url is required")
	}
	if c.SPEntityID == "" {
		return fmt.Errorf("sp_entity_id is required")
	}
	if c.ACSURL == "" {
		return fmt.Errorf("acs_url is required")
	}
	if c.Certificate == "" {
		return fmt.Errorf("certificate is required")
	}
	if _, err := c.parseCertificate(); err != nil {
		return err
	}
	if c.PrivateKey != "" {
		if _, err := c.parsePrivateKey(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) parseCertificate() (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(c.Certificate))
	if block == nil {
		return nil, fmt.Errorf("invalid certificate PEM format")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}
	return cert, nil
}

func (c *Config) parsePrivateKey() (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(c.PrivateKey))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM format")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	pkcs8, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := pkcs8.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}
