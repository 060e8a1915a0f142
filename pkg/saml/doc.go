// Package saml implements the service-provider side of the SAML 2.0 Web
// Browser SSO profile.
//
// The handler builds AuthnRequests for the HTTP-Redirect binding, validates
// IdP responses delivered over the HTTP-POST binding, serves SP metadata for
// IdP-side registration, and builds LogoutRequests for single logout.
//
// Response validation is strict and short-circuiting, in this order: issuer
// match, signature verification, validity window, audience restriction,
// attribute extraction. No identity is ever returned from a partially
// validated response. Signature verification is delegated to an
// AssertionVerifier; the default implementation uses
// github.com/russellhaering/gosaml2 with an x509 certificate store built
// from the configured IdP certificate.
package saml
