package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/fedgate/pkg/claims"
	"github.com/platinummonkey/fedgate/pkg/statestore"
)

// Protocol rejections, logged internally and surfaced to callers as one
// generic authentication failure.
var (
	ErrInvalidState      = errors.New("unknown, replayed or expired authorization state")
	ErrExchangeFailed    = errors.New("authorization code exchange failed")
	ErrTokenVerification = errors.New("identity token verification failed")
	ErrNonceMismatch     = errors.New("identity token nonce does not match login attempt")
)

// requestTimeout bounds every outbound call to the provider.
const requestTimeout = 10 * time.Second

// Handler drives the authorization code flow for one configuration.
type Handler struct {
	cfg        *Config
	states     statestore.Store
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	provider *gooidc.Provider
	group    singleflight.Group
}

// NewHandler validates the config and builds a handler. Discovery is lazy:
// no network call happens until the first operation needs an endpoint.
func NewHandler(cfg *Config, states statestore.Store) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OIDC config: %w", err)
	}

	return &Handler{
		cfg:    cfg,
		states: states,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}, nil
}

// discover fetches (once) the provider's discovery document. Concurrent
// logins share a single fetch; discovery is an idempotent GET and gets one
// retry on failure.
func (h *Handler) discover(ctx context.Context) (*gooidc.Provider, error) {
	h.mu.Lock()
	if h.provider != nil {
		p := h.provider
		h.mu.Unlock()
		return p, nil
	}
	h.mu.Unlock()

	v, err, _ := h.group.Do(h.cfg.IssuerURL, func() (interface{}, error) {
		cctx := gooidc.ClientContext(ctx, h.httpClient)
		p, err := gooidc.NewProvider(cctx, h.cfg.IssuerURL)
		if err != nil {
			p, err = gooidc.NewProvider(cctx, h.cfg.IssuerURL)
		}
		if err != nil {
			return nil, fmt.Errorf("provider discovery failed: %w", err)
		}
		h.mu.Lock()
		h.provider = p
		h.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gooidc.Provider), nil
}

func (h *Handler) oauth2Config(provider *gooidc.Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.ClientID,
		ClientSecret: h.cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  h.cfg.RedirectURL,
		Scopes:       h.cfg.Scopes,
	}
}

// AuthorizationRedirect is the provider URL for a new login attempt and the
// state token that the callback must present.
type AuthorizationRedirect struct {
	URL   string
	State string
}

// BuildAuthorizationURL starts a login attempt: it generates state and
// nonce (and a PKCE verifier when enabled), stores them keyed by state, and
// returns the provider authorization URL.
func (h *Handler) BuildAuthorizationURL(ctx context.Context, tenantID string) (*AuthorizationRedirect, error) {
	provider, err := h.discover(ctx)
	if err != nil {
		return nil, err
	}

	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}

	entry := statestore.Entry{
		TenantID:  tenantID,
		Nonce:     nonce,
		CreatedAt: h.now(),
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if h.cfg.UsePKCE {
		verifier := oauth2.GenerateVerifier()
		entry.CodeVerifier = verifier
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	if err := h.states.Put(ctx, state, entry); err != nil {
		return nil, fmt.Errorf("failed to store authorization state: %w", err)
	}

	return &AuthorizationRedirect{
		URL:   h.oauth2Config(provider).AuthCodeURL(state, opts...),
		State: state,
	}, nil
}

// TokenSet is the provider token response for a completed login.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token"`
	Expiry       time.Time `json:"expiry"`
}

// LoginResult is the outcome of a successfully validated callback.
type LoginResult struct {
	TenantID string
	Identity *claims.Identity
	Tokens   *TokenSet
}

// HandleCallback completes a login attempt. The state is consumed exactly
// once before anything else runs; the code exchange is never retried since
// authorization codes are single-use.
func (h *Handler) HandleCallback(ctx context.Context, code, state string) (*LoginResult, error) {
	entry, err := h.states.Consume(ctx, state)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, ErrInvalidState
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up authorization state: %w", err)
	}
	if h.now().Sub(entry.CreatedAt) > statestore.DefaultMaxAge {
		return nil, ErrInvalidState
	}

	provider, err := h.discover(ctx)
	if err != nil {
		return nil, err
	}

	cctx := gooidc.ClientContext(ctx, h.httpClient)
	var opts []oauth2.AuthCodeOption
	if entry.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(entry.CodeVerifier))
	}

	oauthCfg := h.oauth2Config(provider)
	token, err := oauthCfg.Exchange(cctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: token response has no id_token", ErrTokenVerification)
	}

	verifier := provider.Verifier(&gooidc.Config{ClientID: h.cfg.ClientID})
	idToken, err := verifier.Verify(cctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenVerification, err)
	}

	if h.cfg.CheckNonce && idToken.Nonce != entry.Nonce {
		return nil, ErrNonceMismatch
	}

	var bag map[string]interface{}
	if err := idToken.Claims(&bag); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrTokenVerification, err)
	}

	h.mergeUserInfo(cctx, provider, token, bag)

	identity := claims.FromClaims(bag, h.cfg.AttributeMapping)
	if identity.SubjectID == "" {
		identity.SubjectID = idToken.Subject
	}
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("incomplete identity token: %w", err)
	}

	return &LoginResult{
		TenantID: entry.TenantID,
		Identity: identity,
		Tokens: &TokenSet{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			IDToken:      rawIDToken,
			Expiry:       token.Expiry,
		},
	}, nil
}

// mergeUserInfo enriches the claim bag from the userinfo endpoint. Userinfo
// is an idempotent GET, so it gets one retry; failure is non-fatal because
// the verified ID token already carries the required claims.
func (h *Handler) mergeUserInfo(ctx context.Context, provider *gooidc.Provider, token *oauth2.Token, bag map[string]interface{}) {
	src := oauth2.StaticTokenSource(token)
	info, err := provider.UserInfo(ctx, src)
	if err != nil {
		info, err = provider.UserInfo(ctx, src)
	}
	if err != nil {
		return
	}

	var extra map[string]interface{}
	if err := info.Claims(&extra); err != nil {
		return
	}
	for k, v := range extra {
		if _, exists := bag[k]; !exists {
			bag[k] = v
		}
	}
}

// RefreshTokens exchanges a refresh token for a new token set.
func (h *Handler) RefreshTokens(ctx context.Context, refreshToken string) (*TokenSet, error) {
	provider, err := h.discover(ctx)
	if err != nil {
		return nil, err
	}

	cctx := gooidc.ClientContext(ctx, h.httpClient)
	src := h.oauth2Config(provider).TokenSource(cctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		Expiry:       token.Expiry,
	}, nil
}

// BuildLogoutURL returns the provider end-session URL, or "" when the
// provider does not advertise one.
func (h *Handler) BuildLogoutURL(ctx context.Context, idTokenHint string) (string, error) {
	provider, err := h.discover(ctx)
	if err != nil {
		return "", err
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil || extra.EndSessionEndpoint == "" {
		return "", nil
	}

	u, err := url.Parse(extra.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid end_session_endpoint: %w", err)
	}
	if idTokenHint != "" {
		q := u.Query()
		q.Set("id_token_hint", idTokenHint)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
