package saml

import (
	"bytes"
	"compress/flate"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/beevik/etree"

	"github.com/platinummonkey/fedgate/pkg/claims"
)

// Validation failures are distinguished internally for logging and metrics;
// callers surface them all as one generic authentication failure.
var (
	ErrMalformedResponse = errors.New("malformed SAML response")
	ErrIssuerMismatch    = errors.New("response issuer does not match configured IdP")
	ErrVerification      = errors.New("assertion signature verification failed")
	ErrInvalidTimeWindow = errors.New("assertion outside its validity window")
	ErrAudienceMismatch  = errors.New("assertion audience restriction not satisfied")
)

const samlTimeFormat = "2006-01-02T15:04:05Z"

// Handler drives the SP side of the SAML handshake for one configuration.
type Handler struct {
	cfg      *Config
	verifier AssertionVerifier
	now      func() time.Time
}

// NewHandler validates the config and builds a handler with the default
// gosaml2-backed verifier.
func NewHandler(cfg *Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SAML config: %w", err)
	}
	verifier, err := newXMLDSigVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return &Handler{cfg: cfg, verifier: verifier, now: time.Now}, nil
}

// AuthnRequest is a freshly issued authentication request.
type AuthnRequest struct {
	ID           string
	Destination  string
	Issuer       string
	IssueInstant time.Time
	ACSURL       string
}

// BuildAuthnRequest creates an AuthnRequest with a fresh random ID. The ID
// is underscore-prefixed because SAML IDs must be valid XML NCNames and may
// not start with a digit.
func (h *Handler) BuildAuthnRequest() *AuthnRequest {
	return &AuthnRequest{
		ID:           requestID(),
		Destination:  h.cfg.SSOURL,
		Issuer:       h.cfg.SPEntityID,
		IssueInstant: h.now().UTC(),
		ACSURL:       h.cfg.ACSURL,
	}
}

// XML serializes the request into the provider-facing AuthnRequest shape.
func (h *Handler) requestXML(req *AuthnRequest) string {
	nameIDPolicy := ""
	if h.cfg.NameIDFormat != "" {
		nameIDPolicy = fmt.Sprintf(`
  <samlp:NameIDPolicy Format="%s" AllowCreate="true"/>`, h.cfg.NameIDFormat)
	}

	return fmt.Sprintf(`<?xml version="1.0"?>
<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
                    xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
                    ID="%s"
                    Version="2.0"
                    IssueInstant="%s"
                    Destination="%s"
                    AssertionConsumerServiceURL="%s"
                    ProtocolBinding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST">
  <saml:Issuer>%s</saml:Issuer>%s
</samlp:AuthnRequest>`,
		req.ID,
		req.IssueInstant.Format(samlTimeFormat),
		req.Destination,
		req.ACSURL,
		req.Issuer,
		nameIDPolicy)
}

// RedirectURL returns the IdP SSO URL carrying the request in the
// HTTP-Redirect binding (deflate then base64 in the SAMLRequest parameter).
// relayState is carried opaquely and echoed back by the IdP.
func (h *Handler) RedirectURL(req *AuthnRequest, relayState string) (string, error) {
	encoded, err := deflateEncode(h.requestXML(req))
	if err != nil {
		return "", err
	}

	u, err := url.Parse(h.cfg.SSOURL)
	if err != nil {
		return "", fmt.Errorf("invalid SSO URL: %w", err)
	}

	q := u.Query()
	q.Set("SAMLRequest", encoded)
	if relayState != "" {
		q.Set("RelayState", relayState)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LoginResult is the outcome of a successfully validated response.
type LoginResult struct {
	Identity     *claims.Identity
	SessionIndex string
}

// ParseResponse validates a base64-encoded SAMLResponse form value and
// extracts the normalized identity. Checks run in a fixed, short-circuiting
// order: issuer, signature, time window, audience, attributes. Any failure
// rejects the whole response; no field is trusted from a response that
// failed an earlier step.
func (h *Handler) ParseResponse(encodedResponse string) (*LoginResult, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	issuer, err := extractIssuer(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if issuer != h.cfg.IDPEntityID {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, issuer)
	}

	verified, err := h.verifier.Verify(encodedResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	if verified.InvalidTime {
		return nil, ErrInvalidTimeWindow
	}
	if verified.NotInAudience {
		return nil, ErrAudienceMismatch
	}

	identity := claims.FromAttributes(verified.Attributes, verified.NameID, h.cfg.AttributeMapping)
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &LoginResult{Identity: identity, SessionIndex: verified.SessionIndex}, nil
}

// SPMetadata renders the service-provider metadata document served at the
// well-known metadata path for IdP-side registration.
func (h *Handler) SPMetadata() []byte {
	slo := ""
	if h.cfg.SLOURL != "" {
		slo = fmt.Sprintf(`
    <md:SingleLogoutService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
                            Location="%s"/>`, h.cfg.SLOURL)
	}

	metadata := fmt.Sprintf(`<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
                     entityID="%s">
  <md:SPSSODescriptor AuthnRequestsSigned="%t"
                      WantAssertionsSigned="true"
                      protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">%s
    <md:AssertionConsumerService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
                                 Location="%s"
                                 index="1"/>
  </md:SPSSODescriptor>
</md:EntityDescriptor>`,
		h.cfg.SPEntityID,
		h.cfg.SignRequests,
		slo,
		h.cfg.ACSURL)

	return []byte(metadata)
}

// BuildLogoutRequest renders a LogoutRequest for SAML single logout.
func (h *Handler) BuildLogoutRequest(subjectID, sessionIndex string) string {
	sessionElem := ""
	if sessionIndex != "" {
		sessionElem = fmt.Sprintf(`
  <samlp:SessionIndex>%s</samlp:SessionIndex>`, sessionIndex)
	}

	return fmt.Sprintf(`<?xml version="1.0"?>
<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
                     xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
                     ID="%s"
                     Version="2.0"
                     IssueInstant="%s"
                     Destination="%s">
  <saml:Issuer>%s</saml:Issuer>
  <saml:NameID>%s</saml:NameID>%s
</samlp:LogoutRequest>`,
		requestID(),
		h.now().UTC().Format(samlTimeFormat),
		h.cfg.SLOURL,
		h.cfg.SPEntityID,
		subjectID,
		sessionElem)
}

// LogoutRedirectURL returns the IdP SLO URL carrying the logout request, or
// "" when the provider has no SLO endpoint configured.
func (h *Handler) LogoutRedirectURL(subjectID, sessionIndex string) (string, error) {
	if h.cfg.SLOURL == "" {
		return "", nil
	}

	encoded, err := deflateEncode(h.BuildLogoutRequest(subjectID, sessionIndex))
	if err != nil {
		return "", err
	}

	u, err := url.Parse(h.cfg.SLOURL)
	if err != nil {
		return "", fmt.Errorf("invalid SLO URL: %w", err)
	}
	q := u.Query()
	q.Set("SAMLRequest", encoded)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func requestID() string {
	b := make([]byte, 20)
	rand.Read(b)
	return "_" + hex.EncodeToString(b)
}

func deflateEncode(xml string) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write([]byte(xml)); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// extractIssuer pulls the response-level Issuer element so the issuer check
// can run before any cryptographic work.
func extractIssuer(responseXML []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(responseXML); err != nil {
		return "", fmt.Errorf("failed to parse response XML: %w", err)
	}

	elem := doc.FindElement("//Issuer")
	if elem == nil {
		return "", fmt.Errorf("response has no Issuer element")
	}
	return elem.Text(), nil
}
