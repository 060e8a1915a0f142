// Package oidc implements the relying-party side of the OpenID Connect
// authorization code flow, with optional PKCE.
//
// Endpoints come from the issuer's discovery document. Every login attempt
// is bound to a single-use state token held in a statestore.Store together
// with its nonce and PKCE verifier; the callback consumes that state
// atomically, so replayed or expired callbacks are rejected before any
// network call is made. ID tokens are always verified against the provider
// JWKS before any claim is trusted.
package oidc
