package federation

import (
	"fmt"

	"github.com/platinummonkey/fedgate/pkg/claims"
	"github.com/platinummonkey/fedgate/pkg/oidc"
	"github.com/platinummonkey/fedgate/pkg/saml"
)

// Preset returns a partially filled config for a well-known provider:
// attribute mappings and scopes are set, connection details (issuer,
// client credentials, certificates) come from the caller.
func Preset(name ProviderName) (*Config, error) {
	switch name {
	case ProviderAzureAD:
		return &Config{
			ProviderType:  ProviderTypeOIDC,
			ProviderName:  ProviderAzureAD,
			AutoProvision: true,
			OIDC: &oidc.Config{
				Scopes:     []string{"openid", "profile", "email"},
				UsePKCE:    true,
				CheckNonce: true,
				AttributeMapping: claims.AttributeMap{
					SubjectID:   "oid",
					Username:    "preferred_username",
					Email:       "email",
					DisplayName: "name",
					FirstName:   "given_name",
					LastName:    "family_name",
					Groups:      "groups",
					Roles:       "roles",
				},
			},
		}, nil

	case ProviderOkta:
		return &Config{
			ProviderType:  ProviderTypeOIDC,
			ProviderName:  ProviderOkta,
			AutoProvision: true,
			OIDC: &oidc.Config{
				Scopes:     []string{"openid", "profile", "email", "groups"},
				UsePKCE:    true,
				CheckNonce: true,
				AttributeMapping: claims.AttributeMap{
					SubjectID:   "sub",
					Username:    "preferred_username",
					Email:       "email",
					DisplayName: "name",
					FirstName:   "given_name",
					LastName:    "family_name",
					Groups:      "groups",
				},
			},
		}, nil

	case ProviderGoogle:
		return &Config{
			ProviderType:  ProviderTypeOIDC,
			ProviderName:  ProviderGoogle,
			AutoProvision: true,
			OIDC: &oidc.Config{
				IssuerURL:  "https://accounts.google.com",
				Scopes:     []string{"openid", "profile", "email"},
				UsePKCE:    true,
				CheckNonce: true,
				AttributeMapping: claims.AttributeMap{
					SubjectID:   "sub",
					Username:    "email",
					Email:       "email",
					DisplayName: "name",
					FirstName:   "given_name",
					LastName:    "family_name",
				},
			},
		}, nil

	case ProviderGenericSAML:
		return &Config{
			ProviderType:  ProviderTypeSAML,
			ProviderName:  ProviderGenericSAML,
			AutoProvision: true,
			SAML: &saml.Config{
				SignRequests: false,
				AttributeMapping: claims.AttributeMap{
					Email:       "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
					DisplayName: "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
					FirstName:   "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
					LastName:    "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
					Groups:      "http://schemas.microsoft.com/ws/2008/06/identity/claims/groups",
				},
			},
		}, nil

	case ProviderGenericOIDC:
		return &Config{
			ProviderType:  ProviderTypeOIDC,
			ProviderName:  ProviderGenericOIDC,
			AutoProvision: true,
			OIDC: &oidc.Config{
				Scopes:     []string{"openid", "profile", "email"},
				UsePKCE:    true,
				CheckNonce: true,
				AttributeMapping: claims.AttributeMap{
					SubjectID:   "sub",
					Username:    "preferred_username",
					Email:       "email",
					DisplayName: "name",
					Groups:      "groups",
				},
			},
		}, nil

	default:
		return nil, fmt.Errorf("no preset for provider: %s", name)
	}
}
