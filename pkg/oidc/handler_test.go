package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fedgate/pkg/claims"
	"github.com/platinummonkey/fedgate/pkg/statestore"
)

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			IssuerURL:    "https://provider.example.com",
			ClientID:     "client-id",
			ClientSecret: "secret",
			RedirectURL:  "https://fedgate.example.com/auth/oidc/callback",
			Scopes:       []string{"openid", "profile", "email"},
		}
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing client_id", func(c *Config) { c.ClientID = "" }, "client_id is required"},
		{"missing client_secret", func(c *Config) { c.ClientSecret = "" }, "client_secret is required"},
		{"missing issuer", func(c *Config) { c.IssuerURL = "" }, "issuer_url is required"},
		{"missing redirect", func(c *Config) { c.RedirectURL = "" }, "redirect_url is required"},
		{"no scopes", func(c *Config) { c.Scopes = nil }, "scopes are required"},
		{"missing openid scope", func(c *Config) { c.Scopes = []string{"profile"} }, "'openid' scope is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			}
		})
	}
}

// fakeIdP is a minimal OIDC provider: discovery, JWKS, token and userinfo
// endpoints, with test-controlled ID token claims.
type fakeIdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	signer jose.Signer

	// claims minted into the next ID token
	nonce    string
	subject  string
	extra    map[string]interface{}
	tokenErr bool
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"),
	)
	require.NoError(t, err)

	idp := &fakeIdP{key: key, signer: signer, subject: "subject-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                                idp.server.URL,
			"authorization_endpoint":                idp.server.URL + "/auth",
			"token_endpoint":                        idp.server.URL + "/token",
			"userinfo_endpoint":                     idp.server.URL + "/userinfo",
			"jwks_uri":                              idp.server.URL + "/keys",
			"end_session_endpoint":                  idp.server.URL + "/logout",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: key.Public(), KeyID: "test-key", Algorithm: "RS256", Use: "sig",
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if idp.tokenErr {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-token-1",
			"refresh_token": "refresh-token-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      idp.mintIDToken(t),
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sub":        idp.subject,
			"department": "Platform",
		})
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *fakeIdP) mintIDToken(t *testing.T) string {
	t.Helper()

	body := map[string]interface{}{
		"iss":   idp.server.URL,
		"sub":   idp.subject,
		"aud":   "client-id",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"nonce": idp.nonce,
		"email": "user@example.com",
		"name":  "Test User",
	}
	for k, v := range idp.extra {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	jws, err := idp.signer.Sign(payload)
	require.NoError(t, err)
	raw, err := jws.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func newTestHandler(t *testing.T, idp *fakeIdP, usePKCE bool) (*Handler, *statestore.MemoryStore) {
	t.Helper()

	store := newTestStore(t)
	cfg := &Config{
		IssuerURL:    idp.server.URL,
		ClientID:     "client-id",
		ClientSecret: "secret",
		RedirectURL:  "https://fedgate.example.com/auth/oidc/callback",
		Scopes:       []string{"openid", "profile", "email"},
		UsePKCE:      usePKCE,
		CheckNonce:   true,
		AttributeMapping: claims.AttributeMap{
			SubjectID: "sub",
			Email:     "email",
			Groups:    "groups",
		},
	}

	h, err := NewHandler(cfg, store)
	require.NoError(t, err)
	return h, store
}

// newTestStore builds a MemoryStore that is closed with the test.
func newTestStore(t *testing.T) *statestore.MemoryStore {
	t.Helper()
	store := statestore.NewMemoryStore(statestore.DefaultMaxAge, time.Hour)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuildAuthorizationURL(t *testing.T) {
	idp := newFakeIdP(t)
	h, store := newTestHandler(t, idp, true)

	redirect, err := h.BuildAuthorizationURL(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.NotEmpty(t, redirect.State)

	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, redirect.State, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	// The stored entry is bound to the attempt.
	entry, err := store.Consume(context.Background(), redirect.State)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", entry.TenantID)
	assert.Equal(t, q.Get("nonce"), entry.Nonce)
	assert.NotEmpty(t, entry.CodeVerifier)
}

func TestHandleCallbackUnknownState(t *testing.T) {
	idp := newFakeIdP(t)
	h, _ := newTestHandler(t, idp, false)

	_, err := h.HandleCallback(context.Background(), "some-code", "never-issued")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandleCallbackExpiredState(t *testing.T) {
	idp := newFakeIdP(t)
	h, store := newTestHandler(t, idp, false)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "old-state", statestore.Entry{
		TenantID:  "tenant-1",
		Nonce:     "n",
		CreatedAt: time.Now().Add(-11 * time.Minute),
	}))

	_, err := h.HandleCallback(ctx, "some-code", "old-state")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandleCallbackSuccessAndReplay(t *testing.T) {
	idp := newFakeIdP(t)
	idp.extra = map[string]interface{}{"groups": []string{"Engineering"}}
	h, _ := newTestHandler(t, idp, true)

	ctx := context.Background()
	redirect, err := h.BuildAuthorizationURL(ctx, "tenant-1")
	require.NoError(t, err)

	u, _ := url.Parse(redirect.URL)
	idp.nonce = u.Query().Get("nonce")

	result, err := h.HandleCallback(ctx, "auth-code", redirect.State)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", result.TenantID)
	assert.Equal(t, "subject-1", result.Identity.SubjectID)
	assert.Equal(t, "user@example.com", result.Identity.Email)
	assert.Equal(t, []string{"Engineering"}, result.Identity.Groups)
	assert.Equal(t, "access-token-1", result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.IDToken)
	// Userinfo claims are merged without clobbering token claims.
	assert.Equal(t, "Platform", result.Identity.Attributes["department"])

	// Replaying the state must fail even with a valid code.
	_, err = h.HandleCallback(ctx, "auth-code", redirect.State)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandleCallbackNonceMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	h, _ := newTestHandler(t, idp, false)

	ctx := context.Background()
	redirect, err := h.BuildAuthorizationURL(ctx, "tenant-1")
	require.NoError(t, err)

	idp.nonce = "a-different-nonce"

	_, err = h.HandleCallback(ctx, "auth-code", redirect.State)
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenErr = true
	h, _ := newTestHandler(t, idp, false)

	ctx := context.Background()
	redirect, err := h.BuildAuthorizationURL(ctx, "tenant-1")
	require.NoError(t, err)

	_, err = h.HandleCallback(ctx, "bad-code", redirect.State)
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestRefreshTokens(t *testing.T) {
	idp := newFakeIdP(t)
	h, _ := newTestHandler(t, idp, false)

	tokens, err := h.RefreshTokens(context.Background(), "refresh-token-1")
	require.NoError(t, err)
	assert.Equal(t, "access-token-1", tokens.AccessToken)
}

func TestBuildLogoutURL(t *testing.T) {
	idp := newFakeIdP(t)
	h, _ := newTestHandler(t, idp, false)

	logout, err := h.BuildLogoutURL(context.Background(), "raw-id-token")
	require.NoError(t, err)

	u, err := url.Parse(logout)
	require.NoError(t, err)
	assert.Equal(t, "/logout", u.Path)
	assert.Equal(t, "raw-id-token", u.Query().Get("id_token_hint"))
}
