// Package statestore holds short-lived, single-use authorization state for
// in-flight OIDC login attempts.
//
// Each entry is keyed by the opaque state token sent to the provider and
// carries the nonce and optional PKCE verifier bound to that attempt. An
// entry may be consumed exactly once; consuming removes it atomically so a
// replayed callback is rejected. Entries expire after a configurable max age
// whether or not a callback ever arrives.
//
// Two implementations are provided: an in-process map with a background
// sweeper, and a Redis-backed store with native TTLs for deployments where
// the callback may land on a different instance than the one that issued the
// state.
package statestore
