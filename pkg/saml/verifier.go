package saml

import (
	"crypto/x509"
	"fmt"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
)

// VerifiedAssertion is the output of signature verification: the subject,
// session and attributes of an assertion whose signature chained to the
// configured IdP certificate, plus the condition checks the verifier
// evaluated.
type VerifiedAssertion struct {
	NameID       string
	SessionIndex string
	Attributes   map[string][]string

	// Condition results, consumed by the handler in its fixed order.
	InvalidTime   bool
	NotInAudience bool
}

// AssertionVerifier verifies the XML signature over a base64-encoded SAML
// response and extracts the assertion contents. Implementations must not
// return any assertion data when verification fails.
type AssertionVerifier interface {
	Verify(encodedResponse string) (*VerifiedAssertion, error)
}

// xmldsigVerifier verifies responses with gosaml2/goxmldsig against an
// in-memory certificate store.
type xmldsigVerifier struct {
	sp *saml2.SAMLServiceProvider
}

func newXMLDSigVerifier(cfg *Config) (*xmldsigVerifier, error) {
	cert, err := cfg.parseCertificate()
	if err != nil {
		return nil, err
	}

	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	var keyStore dsig.X509KeyStore
	if cfg.PrivateKey != "" {
		key, err := cfg.parsePrivateKey()
		if err != nil {
			return nil, err
		}
		keyStore = &dsig.TLSCertKeyStore{
			PrivateKey:  key,
			Certificate: [][]byte{[]byte(cfg.Certificate)},
		}
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SSOURL,
		IdentityProviderIssuer:      cfg.IDPEntityID,
		ServiceProviderIssuer:       cfg.SPEntityID,
		AssertionConsumerServiceURL: cfg.ACSURL,
		SignAuthnRequests:           cfg.SignRequests,
		AudienceURI:                 cfg.SPEntityID,
		IDPCertificateStore:         &certStore,
		SPKeyStore:                  keyStore,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	return &xmldsigVerifier{sp: sp}, nil
}

// Verify validates the response signature and extracts the assertion. The
// time-window and audience findings are reported, not enforced; the handler
// enforces them in its documented order.
func (v *xmldsigVerifier) Verify(encodedResponse string) (*VerifiedAssertion, error) {
	info, err := v.sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, fmt.Errorf("assertion verification failed: %w", err)
	}

	verified := &VerifiedAssertion{
		NameID:       info.NameID,
		SessionIndex: info.SessionIndex,
		Attributes:   make(map[string][]string, len(info.Values)),
	}

	for _, attr := range info.Values {
		for _, val := range attr.Values {
			verified.Attributes[attr.Name] = append(verified.Attributes[attr.Name], val.Value)
		}
	}

	if info.WarningInfo != nil {
		verified.InvalidTime = info.WarningInfo.InvalidTime
		verified.NotInAudience = info.WarningInfo.NotInAudience
	}

	return verified, nil
}
