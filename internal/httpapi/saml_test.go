package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/altauth/samlsp"
	"github.com/sgrastar/authrim/internal/model"
	"github.com/sgrastar/authrim/internal/shard"
)

const (
	samlTestIdPEntityID = "https://idp.example.com/metadata"
	samlTestSPEntityID  = "https://sp.example.com/metadata"
	samlTestACSURL      = "https://sp.example.com/saml/sp/acs"
)

func generateSAMLTestCert(t *testing.T) (*rsa.PrivateKey, []byte, *x509.Certificate) {
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

func buildSAMLResponseEnvelope(t *testing.T, bridge *samlsp.IdPBridge, nameID string) string {
	t.Helper()
	assertionB64, err := bridge.IssueAssertion(context.Background(), samlsp.RegisteredSP{EntityID: samlTestSPEntityID, ACSURL: samlTestACSURL}, nameID, map[string][]string{"email": {"user@example.com"}}, "")
	require.NoError(t, err)

	assertionXML, err := base64.StdEncoding.DecodeString(assertionB64)
	require.NoError(t, err)

	envelope := fmt.Sprintf(
		`<Response xmlns="urn:oasis:names:tc:SAML:2.0:protocol" Destination="%s"><Issuer xmlns="urn:oasis:names:tc:SAML:2.0:assertion">%s</Issuer><Status><StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/></Status>%s</Response>`,
		samlTestACSURL, samlTestIdPEntityID, string(assertionXML))
	return base64.StdEncoding.EncodeToString([]byte(envelope))
}

func newTestACSHandler(t *testing.T) (*ACSHandler, *samlsp.IdPBridge) {
	t.Helper()
	priv, der, cert := generateSAMLTestCert(t)
	bridge := &samlsp.IdPBridge{
		EntityID: samlTestIdPEntityID,
		Key:      samlsp.IssuerKey{PrivateKey: priv, CertificateDER: der},
	}
	consumer := &samlsp.Consumer{
		SP: samlsp.ServiceProvider{EntityID: samlTestSPEntityID, ACSURL: samlTestACSURL},
		IdPs: map[string]samlsp.IdentityProvider{
			samlTestIdPEntityID: {EntityID: samlTestIdPEntityID, Certificates: []*x509.Certificate{cert}},
		},
		Replay: actor.NewDPoPJtiStore(),
	}
	sessions := actor.NewSessionStore()
	issuer := &SessionIssuer{
		Sessions: sessions,
		Router:   shard.NewRouter(4),
		Policy:   CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}
	handler := &ACSHandler{
		Consumer: consumer,
		Sessions: issuer,
		ResolveUserID: func(identity samlsp.Identity) (string, error) {
			if identity.NameID == "" {
				return "", fmt.Errorf("empty NameID")
			}
			return identity.NameID, nil
		},
	}
	return handler, bridge
}

func TestACSHandlerEstablishesSessionAndRedirects(t *testing.T) {
	handler, bridge := newTestACSHandler(t)
	respB64 := buildSAMLResponseEnvelope(t, bridge, "user-1")

	form := url.Values{"SAMLResponse": {respB64}, "RelayState": {"https://sp.example.com/welcome"}}
	req := httptest.NewRequest(http.MethodPost, "/saml/sp/acs", nil)
	req.Form = form
	req.PostForm = form
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://sp.example.com/welcome", rec.Header().Get("Location"))

	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	require.NotEmpty(t, sessionCookie.Value)
}

func TestACSHandlerWithoutRelayStateRedirectsToRoot(t *testing.T) {
	handler, bridge := newTestACSHandler(t)
	respB64 := buildSAMLResponseEnvelope(t, bridge, "user-1")

	form := url.Values{"SAMLResponse": {respB64}}
	req := httptest.NewRequest(http.MethodPost, "/saml/sp/acs", nil)
	req.Form = form
	req.PostForm = form
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/", rec.Header().Get("Location"))
}

func TestACSHandlerRejectsInvalidSAMLResponse(t *testing.T) {
	handler, _ := newTestACSHandler(t)

	form := url.Values{"SAMLResponse": {"not-valid-base64!!"}}
	req := httptest.NewRequest(http.MethodPost, "/saml/sp/acs", nil)
	req.Form = form
	req.PostForm = form
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotEqual(t, http.StatusFound, rec.Code)
}

func newTestIdPSSOHandler(t *testing.T) (*IdPSSOHandler, *actor.SessionStore) {
	t.Helper()
	priv, der, _ := generateSAMLTestCert(t)
	bridge := &samlsp.IdPBridge{
		EntityID: samlTestIdPEntityID,
		Key:      samlsp.IssuerKey{PrivateKey: priv, CertificateDER: der},
	}
	sessions := actor.NewSessionStore()
	handler := &IdPSSOHandler{
		Bridge: bridge,
		SPs: map[string]samlsp.RegisteredSP{
			samlTestSPEntityID: {EntityID: samlTestSPEntityID, ACSURL: samlTestACSURL},
		},
		Sessions: sessions,
	}
	return handler, sessions
}

func TestIdPSSOHandlerIssuesSignedAssertionForActiveSession(t *testing.T) {
	handler, sessions := newTestIdPSSOHandler(t)
	sess := model.Session{ID: "1_session_abc", UserID: "user-1", AuthTime: time.Now(), Data: map[string]string{"email": "user@example.com"}}
	require.NoError(t, sessions.CreateSession(context.Background(), sess, time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/saml/idp/sso?sp_entity_id="+url.QueryEscape(samlTestSPEntityID), nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.ID})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `action="`+samlTestACSURL+`"`)
	require.Contains(t, rec.Body.String(), `name="SAMLResponse"`)
}

func TestIdPSSOHandlerRejectsUnknownServiceProvider(t *testing.T) {
	handler, sessions := newTestIdPSSOHandler(t)
	sess := model.Session{ID: "1_session_abc", UserID: "user-1", AuthTime: time.Now()}
	require.NoError(t, sessions.CreateSession(context.Background(), sess, time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/saml/idp/sso?sp_entity_id=https://unknown.example.com", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.ID})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdPSSOHandlerRejectsMissingSession(t *testing.T) {
	handler, _ := newTestIdPSSOHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/saml/idp/sso?sp_entity_id="+url.QueryEscape(samlTestSPEntityID), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
