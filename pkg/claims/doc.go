// Package claims normalizes provider-specific identity attributes.
//
// Both protocol handlers (SAML assertions, OIDC claim payloads) and the
// directory sources produce attribute bags keyed by provider-specific names.
// This package maps those bags through a configurable AttributeMap into a
// single Identity value that the role resolution engine and the provisioner
// consume. An Identity is transient: it is never persisted as-is.
package claims
