package samlsp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testIdPEntityID = "https://idp.example.com/metadata"
	testSPEntityID  = "https://sp.example.com/metadata"
	testACSURL      = "https://sp.example.com/saml/acs"
)

func generateSelfSignedCert(t *testing.T) (*rsa.PrivateKey, []byte, *x509.Certificate) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-idp"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return priv, der, cert
}

type responseConfig struct {
	nameID       string
	attrs        map[string][]string
	inResponseTo string
	destination  string
	issuer       string
	now          time.Time
}

func buildSignedResponse(t *testing.T, bridge *IdPBridge, cfg responseConfig) string {
	t.Helper()
	assertionB64, err := bridge.IssueAssertion(context.Background(), RegisteredSP{EntityID: testSPEntityID, ACSURL: testACSURL}, cfg.nameID, cfg.attrs, cfg.inResponseTo)
	require.NoError(t, err)

	assertionXML, err := base64.StdEncoding.DecodeString(assertionB64)
	require.NoError(t, err)

	destination := cfg.destination
	if destination == "" {
		destination = testACSURL
	}
	issuer := cfg.issuer
	if issuer == "" {
		issuer = testIdPEntityID
	}

	responseXML := fmt.Sprintf(`<Response Destination="%s"><Issuer>%s</Issuer><Status><StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/></Status>%s</Response>`,
		destination, issuer, string(assertionXML))
	return base64.StdEncoding.EncodeToString([]byte(responseXML))
}

func newTestConsumer(t *testing.T, now time.Time) (*Consumer, *IdPBridge) {
	t.Helper()
	priv, der, cert := generateSelfSignedCert(t)
	bridge := &IdPBridge{EntityID: testIdPEntityID, Key: IssuerKey{PrivateKey: priv, CertificateDER: der}}
	if !now.IsZero() {
		bridge.Now = func() time.Time { return now }
	}

	consumer := &Consumer{
		SP: ServiceProvider{EntityID: testSPEntityID, ACSURL: testACSURL},
		IdPs: map[string]IdentityProvider{
			testIdPEntityID: {EntityID: testIdPEntityID, Certificates: []*x509.Certificate{cert}},
		},
		EmailAttr:  "email",
		NameAttr:   "name",
		GroupsAttr: "groups",
	}
	if !now.IsZero() {
		consumer.Now = func() time.Time { return now }
	}
	return consumer, bridge
}

func TestConsumeResponseAcceptsValidSignedAssertionAndMapsAttributes(t *testing.T) {
	now := time.Now()
	consumer, bridge := newTestConsumer(t, now)
	respB64 := buildSignedResponse(t, bridge, responseConfig{
		nameID: "user-1",
		attrs: map[string][]string{
			"email":  {"alice@example.com"},
			"name":   {"Alice"},
			"groups": {"admins", "devs"},
		},
	})

	identity, aerr := consumer.ConsumeResponse(context.Background(), respB64)
	require.Nil(t, aerr)
	require.Equal(t, "user-1", identity.NameID)
	require.Equal(t, "alice@example.com", identity.Email)
	require.True(t, identity.EmailVerified)
	require.Equal(t, "Alice", identity.Username)
	require.ElementsMatch(t, []string{"admins", "devs"}, identity.Groups)
}

func TestConsumeResponseRejectsMalformedBase64(t *testing.T) {
	consumer, _ := newTestConsumer(t, time.Time{})
	_, aerr := consumer.ConsumeResponse(context.Background(), "not-base64!!!")
	require.NotNil(t, aerr)
}

func TestConsumeResponseRejectsDangerousXML(t *testing.T) {
	consumer, _ := newTestConsumer(t, time.Time{})
	raw := `<?xml version="1.0"?><!DOCTYPE Response [<!ENTITY xxe SYSTEM "file:///etc/passwd">]><Response></Response>`
	_, aerr := consumer.ConsumeResponse(context.Background(), base64.StdEncoding.EncodeToString([]byte(raw)))
	require.NotNil(t, aerr)
}

func TestConsumeResponseRejectsWrongDestination(t *testing.T) {
	consumer, bridge := newTestConsumer(t, time.Time{})
	respB64 := buildSignedResponse(t, bridge, responseConfig{nameID: "user-1", destination: "https://evil.example.com/acs"})

	_, aerr := consumer.ConsumeResponse(context.Background(), respB64)
	require.NotNil(t, aerr)
}

func TestConsumeResponseRejectsUntrustedIssuer(t *testing.T) {
	consumer, bridge := newTestConsumer(t, time.Time{})
	respB64 := buildSignedResponse(t, bridge, responseConfig{nameID: "user-1", issuer: "https://untrusted-idp.example.com"})

	_, aerr := consumer.ConsumeResponse(context.Background(), respB64)
	require.NotNil(t, aerr)
}

func TestConsumeResponseRejectsTamperedSignature(t *testing.T) {
	consumer, bridge := newTestConsumer(t, time.Time{})
	respB64 := buildSignedResponse(t, bridge, responseConfig{nameID: "user-1"})

	raw, err := base64.StdEncoding.DecodeString(respB64)
	require.NoError(t, err)
	tampered := []byte(replaceFirst(string(raw), "user-1", "attacker"))

	_, aerr := consumer.ConsumeResponse(context.Background(), base64.StdEncoding.EncodeToString(tampered))
	require.NotNil(t, aerr)
}

func replaceFirst(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestConsumeResponseRejectsExpiredSubjectConfirmation(t *testing.T) {
	issueTime := time.Now()
	consumer, bridge := newTestConsumer(t, issueTime)
	respB64 := buildSignedResponse(t, bridge, responseConfig{nameID: "user-1"})

	// Move the consumer's clock well past the assertion's NotOnOrAfter plus skew.
	consumer.Now = func() time.Time { return issueTime.Add(AssertionTTL + 10*time.Minute) }

	_, aerr := consumer.ConsumeResponse(context.Background(), respB64)
	require.NotNil(t, aerr)
}

func TestConsumeResponseRejectsWrongAudienceWhenSPMismatches(t *testing.T) {
	priv, der, cert := generateSelfSignedCert(t)
	bridge := &IdPBridge{EntityID: testIdPEntityID, Key: IssuerKey{PrivateKey: priv, CertificateDER: der}}

	// Issue for a different SP audience than the consumer expects.
	assertionB64, err := bridge.IssueAssertion(context.Background(), RegisteredSP{EntityID: "https://other-sp.example.com", ACSURL: testACSURL}, "user-1", nil, "")
	require.NoError(t, err)
	assertionXML, err := base64.StdEncoding.DecodeString(assertionB64)
	require.NoError(t, err)

	responseXML := fmt.Sprintf(`<Response Destination="%s"><Issuer>%s</Issuer><Status><StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/></Status>%s</Response>`,
		testACSURL, testIdPEntityID, string(assertionXML))
	respB64 := base64.StdEncoding.EncodeToString([]byte(responseXML))

	consumer := &Consumer{
		SP:   ServiceProvider{EntityID: testSPEntityID, ACSURL: testACSURL},
		IdPs: map[string]IdentityProvider{testIdPEntityID: {EntityID: testIdPEntityID, Certificates: []*x509.Certificate{cert}}},
	}

	_, aerr := consumer.ConsumeResponse(context.Background(), respB64)
	require.NotNil(t, aerr)
}

type fakeRequestTracker struct {
	found map[string]bool
}

func (f *fakeRequestTracker) Consume(_ context.Context, requestID string) bool {
	return f.found[requestID]
}

func TestConsumeResponseStrictModeRejectsUnknownInResponseTo(t *testing.T) {
	consumer, bridge := newTestConsumer(t, time.Time{})
	consumer.IdPs[testIdPEntityID] = IdentityProvider{
		EntityID:           testIdPEntityID,
		Certificates:       consumer.IdPs[testIdPEntityID].Certificates,
		StrictInResponseTo: true,
	}
	consumer.Requests = &fakeRequestTracker{found: map[string]bool{}}

	respB64 := buildSignedResponse(t, bridge, responseConfig{nameID: "user-1", inResponseTo: "req-unknown"})
	_, aerr := consumer.ConsumeResponse(context.Background(), respB64)
	require.NotNil(t, aerr)
}

func TestConsumeResponseStrictModeAcceptsKnownInResponseTo(t *testing.T) {
	consumer, bridge := newTestConsumer(t, time.Time{})
	consumer.IdPs[testIdPEntityID] = IdentityProvider{
		EntityID:           testIdPEntityID,
		Certificates:       consumer.IdPs[testIdPEntityID].Certificates,
		StrictInResponseTo: true,
	}
	consumer.Requests = &fakeRequestTracker{found: map[string]bool{"req-1": true}}

	respB64 := buildSignedResponse(t, bridge, responseConfig{nameID: "user-1", inResponseTo: "req-1"})
	_, aerr := consumer.ConsumeResponse(context.Background(), respB64)
	require.Nil(t, aerr)
}
