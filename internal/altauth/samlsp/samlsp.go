// Package samlsp implements the SAML 2.0 Service Provider assertion
// consumer (spec §4.5): parses a POST-bound SAMLResponse with XXE guards,
// validates Destination/Status/Issuer/signature/SubjectConfirmation/
// Conditions/AudienceRestriction/OneTimeUse, and maps attributes into the
// same Session pipeline the other alternative authenticators feed.
//
// Built on the combination beevik/etree + russellhaering/goxmldsig +
// mattermost/xml-roundtrip-validator that the wider SAML-in-Go ecosystem
// (crewjam/saml) establishes for this exact job; dex's own connector/saml2
// instead wraps a third-party IdP client library end to end and so isn't a
// structural match for an SP that must validate signed XML itself.
package samlsp

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	xrv "github.com/mattermost/xml-roundtrip-validator"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/apperror"
)

// ClockSkew bounds Conditions NotBefore/NotOnOrAfter tolerance, per spec §4.5.
const ClockSkew = 60 * time.Second

// IdentityProvider is a configured, trusted SAML IdP: its entity id, signing
// certificate(s), and the ACS-strictness mode for InResponseTo checking.
type IdentityProvider struct {
	EntityID    string
	Certificates []*x509.Certificate
	StrictInResponseTo bool
}

// ServiceProvider is this SP's own identity, for AudienceRestriction and ACS
// URL matching.
type ServiceProvider struct {
	EntityID string
	ACSURL   string
}

// AuthnRequestTracker looks up a previously-issued AuthnRequest by ID, for
// InResponseTo validation. With IdentityProvider.StrictInResponseTo set an
// unknown InResponseTo is rejected; otherwise it is accepted, and nothing is
// logged about it.
type AuthnRequestTracker interface {
	Consume(ctx context.Context, requestID string) (found bool)
}

// Identity is the mapped user info extracted from the assertion's
// AttributeStatement, for JIT provisioning.
type Identity struct {
	NameID        string
	Email         string
	EmailVerified bool
	Username      string
	Groups        []string
	RawAttributes map[string][]string
}

// Consumer validates an ACS POST and returns the mapped Identity.
type Consumer struct {
	SP         ServiceProvider
	IdPs       map[string]IdentityProvider // keyed by EntityID
	Replay     *actor.DPoPJtiStore         // reused as a generic once-only nonce store (spec §4.1: any replay-guard actor shares the same shape)
	Requests   AuthnRequestTracker
	EmailAttr  string
	NameAttr   string
	GroupsAttr string

	Now func() time.Time
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ConsumeResponse parses and validates a base64-encoded SAMLResponse form
// value, per spec §4.5's ordered check list.
func (c *Consumer) ConsumeResponse(ctx context.Context, rawB64 string) (Identity, *apperror.AuthError) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rawB64))
	if err != nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "malformed SAMLResponse encoding.")
	}

	// xml-roundtrip-validator catches XML that would parse differently under
	// different parsers (a common XSW vector) before etree ever sees it.
	if err := xrv.Validate(bytes.NewReader(raw)); err != nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "malformed SAML XML.")
	}
	if err := rejectDangerousXML(raw); err != nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "%s", err.Error())
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "unable to parse SAML response XML.")
	}
	root := doc.Root()
	if root == nil || root.Tag != "Response" {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "SAML response missing root Response element.")
	}

	if dest := root.SelectAttrValue("Destination", ""); dest != c.SP.ACSURL {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "Destination does not match this ACS.")
	}

	status := root.FindElement("./Status/StatusCode")
	if status == nil || status.SelectAttrValue("Value", "") != "urn:oasis:names:tc:SAML:2.0:status:Success" {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "SAML response status was not Success.")
	}

	issuerEl := root.FindElement("./Issuer")
	if issuerEl == nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "SAML response missing Issuer.")
	}
	idp, ok := c.IdPs[issuerEl.Text()]
	if !ok {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "SAML response issuer is not a trusted IdP.")
	}

	assertion := root.FindElement("./Assertion")
	if assertion == nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "SAML response contains no Assertion.")
	}

	if err := verifySignature(doc, assertion, idp); err != nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "SAML assertion signature invalid.")
	}

	if err := c.checkSubjectConfirmation(ctx, assertion, idp); err != nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "%s", err.Error())
	}
	if err := c.checkConditions(assertion); err != nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "%s", err.Error())
	}
	if err := c.checkOneTimeUse(ctx, assertion); err != nil {
		return Identity{}, apperror.Validation(apperror.CodeInvalidRequest, "%s", err.Error())
	}

	return c.mapAttributes(assertion), nil
}

// rejectDangerousXML implements the XXE guard of spec §4.5: any DOCTYPE,
// ENTITY, SYSTEM, or PUBLIC declaration is an automatic rejection,
// independent of whether the underlying XML library would honor it.
func rejectDangerousXML(raw []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = true
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if d, ok := tok.(xml.Directive); ok {
			up := strings.ToUpper(string(d))
			for _, bad := range []string{"DOCTYPE", "ENTITY", "SYSTEM", "PUBLIC"} {
				if strings.Contains(up, bad) {
					return fmt.Errorf("SAML response contains a disallowed %s declaration.", bad)
				}
			}
		}
	}
	return nil
}

// verifySignature validates the assertion (or enclosing response)'s
// XML-DSig signature with strict XSW protection: goxmldsig's
// ValidationContext rejects multiple signed elements referencing the same
// ID and requires the Reference URI to point at the element being
// validated, which rules out the common wrapping attacks.
func verifySignature(doc *etree.Document, assertion *etree.Element, idp IdentityProvider) error {
	signed := assertion
	if assertion.FindElement("./Signature") == nil {
		// Unsigned assertions are accepted only when the outer Response
		// element carries a signature instead; validate that one.
		signed = doc.Root()
		if signed.FindElement("./Signature") == nil {
			return fmt.Errorf("assertion is not signed")
		}
	}

	store := dsig.MemoryX509CertificateStore{Roots: idp.Certificates}
	ctx := dsig.NewDefaultValidationContext(&store)
	ctx.IdAttribute = "ID"

	if _, err := ctx.Validate(signed); err != nil {
		return fmt.Errorf("signature validation failed: %w", err)
	}
	return nil
}

func (c *Consumer) checkSubjectConfirmation(ctx context.Context, assertion *etree.Element, idp IdentityProvider) error {
	conf := assertion.FindElement("./Subject/SubjectConfirmation")
	if conf == nil || conf.SelectAttrValue("Method", "") != "urn:oasis:names:tc:SAML:2.0:cm:bearer" {
		return fmt.Errorf("SubjectConfirmation method must be bearer.")
	}
	data := conf.FindElement("./SubjectConfirmationData")
	if data == nil {
		return fmt.Errorf("SubjectConfirmation missing SubjectConfirmationData.")
	}
	if data.SelectAttrValue("Recipient", "") != c.SP.ACSURL {
		return fmt.Errorf("SubjectConfirmationData Recipient does not match this ACS.")
	}
	notOnOrAfter := data.SelectAttrValue("NotOnOrAfter", "")
	if notOnOrAfter == "" {
		return fmt.Errorf("SubjectConfirmationData missing NotOnOrAfter.")
	}
	t, err := time.Parse(time.RFC3339, notOnOrAfter)
	if err != nil {
		return fmt.Errorf("SubjectConfirmationData NotOnOrAfter unparseable.")
	}
	if c.now().After(t.Add(ClockSkew)) {
		return fmt.Errorf("SubjectConfirmationData has expired.")
	}

	if inResponseTo := data.SelectAttrValue("InResponseTo", ""); inResponseTo != "" && c.Requests != nil {
		found := c.Requests.Consume(ctx, inResponseTo)
		if !found && idp.StrictInResponseTo {
			return fmt.Errorf("InResponseTo does not match a known AuthnRequest.")
		}
	}
	return nil
}

func (c *Consumer) checkConditions(assertion *etree.Element) error {
	cond := assertion.FindElement("./Conditions")
	if cond == nil {
		return nil
	}
	now := c.now()
	if nb := cond.SelectAttrValue("NotBefore", ""); nb != "" {
		t, err := time.Parse(time.RFC3339, nb)
		if err == nil && now.Add(ClockSkew).Before(t) {
			return fmt.Errorf("assertion is not yet valid.")
		}
	}
	if noa := cond.SelectAttrValue("NotOnOrAfter", ""); noa != "" {
		t, err := time.Parse(time.RFC3339, noa)
		if err == nil && now.After(t.Add(ClockSkew)) {
			return fmt.Errorf("assertion has expired.")
		}
	}
	aud := cond.FindElement("./AudienceRestriction/Audience")
	if aud == nil || aud.Text() != c.SP.EntityID {
		return fmt.Errorf("AudienceRestriction does not name this service provider.")
	}
	return nil
}

func (c *Consumer) checkOneTimeUse(ctx context.Context, assertion *etree.Element) error {
	cond := assertion.FindElement("./Conditions")
	if cond == nil || cond.FindElement("./OneTimeUse") == nil {
		return nil
	}
	id := assertion.SelectAttrValue("ID", "")
	if id == "" {
		return fmt.Errorf("OneTimeUse assertion missing an ID.")
	}
	if !c.Replay.CheckAndMark(ctx, "saml-assertion", id, 24*time.Hour) {
		return fmt.Errorf("assertion has already been consumed.")
	}
	return nil
}

func (c *Consumer) mapAttributes(assertion *etree.Element) Identity {
	nameID := ""
	if n := assertion.FindElement("./Subject/NameID"); n != nil {
		nameID = n.Text()
	}

	attrs := make(map[string][]string)
	for _, a := range assertion.FindElements("./AttributeStatement/Attribute") {
		name := a.SelectAttrValue("Name", "")
		for _, v := range a.FindElements("./AttributeValue") {
			attrs[name] = append(attrs[name], v.Text())
		}
	}
	first := func(name string) string {
		if vs := attrs[name]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	return Identity{
		NameID:        nameID,
		Email:         first(c.EmailAttr),
		EmailVerified: first(c.EmailAttr) != "",
		Username:      first(c.NameAttr),
		Groups:        attrs[c.GroupsAttr],
		RawAttributes: attrs,
	}
}
