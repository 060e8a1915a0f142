package federation

import (
	"fmt"
	"sync"

	"github.com/platinummonkey/fedgate/pkg/oidc"
	"github.com/platinummonkey/fedgate/pkg/saml"
	"github.com/platinummonkey/fedgate/pkg/statestore"
)

// handlerCache builds and reuses protocol handlers per config. OIDC
// handlers cache provider discovery, so rebuilding one per request would
// re-fetch the discovery document; the cache key includes the config's
// update time so edits take effect immediately.
type handlerCache struct {
	states statestore.Store

	mu   sync.Mutex
	saml map[string]*saml.Handler
	oidc map[string]*oidc.Handler
}

func newHandlerCache(states statestore.Store) *handlerCache {
	return &handlerCache{
		states: states,
		saml:   make(map[string]*saml.Handler),
		oidc:   make(map[string]*oidc.Handler),
	}
}

func cacheKey(cfg *Config) string {
	return fmt.Sprintf("%d@%d", cfg.ID, cfg.UpdatedAt.UnixNano())
}

func (c *handlerCache) samlFor(cfg *Config) (*saml.Handler, error) {
	if cfg.SAML == nil {
		return nil, fmt.Errorf("config %q has no SAML settings", cfg.Name)
	}

	key := cacheKey(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.saml[key]; ok {
		return h, nil
	}

	h, err := saml.NewHandler(cfg.SAML)
	if err != nil {
		return nil, fmt.Errorf("failed to build SAML handler: %w", err)
	}
	c.saml[key] = h
	return h, nil
}

func (c *handlerCache) oidcFor(cfg *Config) (*oidc.Handler, error) {
	if cfg.OIDC == nil {
		return nil, fmt.Errorf("config %q has no OIDC settings", cfg.Name)
	}

	key := cacheKey(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.oidc[key]; ok {
		return h, nil
	}

	h, err := oidc.NewHandler(cfg.OIDC, c.states)
	if err != nil {
		return nil, fmt.Errorf("failed to build OIDC handler: %w", err)
	}
	c.oidc[key] = h
	return h, nil
}
