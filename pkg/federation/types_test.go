package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Run("valid oidc", func(t *testing.T) {
		assert.NoError(t, testOIDCConfig().Validate())
	})

	t.Run("missing tenant", func(t *testing.T) {
		cfg := testOIDCConfig()
		cfg.TenantID = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("protocol config mismatch", func(t *testing.T) {
		cfg := testOIDCConfig()
		cfg.ProviderType = ProviderTypeSAML
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "saml_config is required")
	})

	t.Run("unknown provider type", func(t *testing.T) {
		cfg := testOIDCConfig()
		cfg.ProviderType = "ldap"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid provider_type")
	})

	t.Run("delegates to protocol validation", func(t *testing.T) {
		cfg := testOIDCConfig()
		cfg.OIDC.Scopes = []string{"email"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "'openid' scope is required")
	})
}

func TestPresets(t *testing.T) {
	for _, name := range []ProviderName{ProviderAzureAD, ProviderOkta, ProviderGoogle, ProviderGenericSAML, ProviderGenericOIDC} {
		preset, err := Preset(name)
		require.NoError(t, err, "preset %s", name)
		assert.Equal(t, name, preset.ProviderName)
		assert.True(t, preset.AutoProvision)
		if preset.ProviderType == ProviderTypeOIDC {
			require.NotNil(t, preset.OIDC)
			assert.Contains(t, preset.OIDC.Scopes, "openid")
			assert.True(t, preset.OIDC.UsePKCE)
		} else {
			require.NotNil(t, preset.SAML)
		}
	}

	_, err := Preset("unknown")
	assert.Error(t, err)
}
