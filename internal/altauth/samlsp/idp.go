package samlsp

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	icrypto "github.com/sgrastar/authrim/internal/crypto"
)

// AssertionTTL bounds the lifetime of an IdP-issued assertion.
const AssertionTTL = 5 * time.Minute

// RegisteredSP is a downstream Service Provider this IdP can assert
// identities to (`/saml/idp/*`, spec §6's HTTP surface table).
type RegisteredSP struct {
	EntityID string
	ACSURL   string
}

// IssuerKey supplies the signing key and DER-encoded certificate the IdP
// uses to sign outgoing assertions, satisfying goxmldsig's X509KeyStore.
// Wraps the same RSA key the OIDC token Issuer signs with.
type IssuerKey struct {
	PrivateKey     *rsa.PrivateKey
	CertificateDER []byte
}

// GetKeyPair implements dsig.X509KeyStore.
func (k IssuerKey) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return k.PrivateKey, k.CertificateDER, nil
}

// IdPBridge issues signed SAML assertions asserting the identity already
// established by an OIDC session, bridging it to a SAML-only downstream SP
// (spec §3: "SAML 2.0 SP/IdP bridging").
type IdPBridge struct {
	EntityID string
	Key      IssuerKey

	Now func() time.Time
}

func (b *IdPBridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// IssueAssertion builds and signs a bearer-confirmed Assertion for sp,
// asserting nameID with the given attributes, base64-encoded ready to embed
// in a SAMLResponse POST-binding form.
func (b *IdPBridge) IssueAssertion(ctx context.Context, sp RegisteredSP, nameID string, attrs map[string][]string, inResponseTo string) (string, error) {
	now := b.now()
	notOnOrAfter := now.Add(AssertionTTL)
	assertionID := "_" + icrypto.NewID()

	assertion := etree.NewElement("Assertion")
	assertion.Space = "saml"
	assertion.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	assertion.CreateAttr("ID", assertionID)
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", now.UTC().Format(time.RFC3339))

	issuer := assertion.CreateElement("saml:Issuer")
	issuer.SetText(b.EntityID)

	subject := assertion.CreateElement("saml:Subject")
	nameIDEl := subject.CreateElement("saml:NameID")
	nameIDEl.SetText(nameID)
	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", "urn:oasis:names:tc:SAML:2.0:cm:bearer")
	confirmationData := confirmation.CreateElement("saml:SubjectConfirmationData")
	confirmationData.CreateAttr("Recipient", sp.ACSURL)
	confirmationData.CreateAttr("NotOnOrAfter", notOnOrAfter.UTC().Format(time.RFC3339))
	if inResponseTo != "" {
		confirmationData.CreateAttr("InResponseTo", inResponseTo)
	}

	conditions := assertion.CreateElement("saml:Conditions")
	conditions.CreateAttr("NotBefore", now.UTC().Format(time.RFC3339))
	conditions.CreateAttr("NotOnOrAfter", notOnOrAfter.UTC().Format(time.RFC3339))
	audienceRestriction := conditions.CreateElement("saml:AudienceRestriction")
	audience := audienceRestriction.CreateElement("saml:Audience")
	audience.SetText(sp.EntityID)

	attrStatement := assertion.CreateElement("saml:AttributeStatement")
	for name, values := range attrs {
		attrEl := attrStatement.CreateElement("saml:Attribute")
		attrEl.CreateAttr("Name", name)
		for _, v := range values {
			valEl := attrEl.CreateElement("saml:AttributeValue")
			valEl.SetText(v)
		}
	}

	signed, err := b.sign(assertion)
	if err != nil {
		return "", fmt.Errorf("samlsp: signing assertion: %w", err)
	}

	doc := etree.NewDocument()
	doc.SetRoot(signed)
	xmlBytes, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("samlsp: serializing assertion: %w", err)
	}
	return base64.StdEncoding.EncodeToString(xmlBytes), nil
}

func (b *IdPBridge) sign(el *etree.Element) (*etree.Element, error) {
	ctx := dsig.NewDefaultSigningContext(b.Key)
	return ctx.SignEnveloped(el)
}
