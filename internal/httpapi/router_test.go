package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/altauth/didauth"
	"github.com/sgrastar/authrim/internal/altauth/passkey"
	"github.com/sgrastar/authrim/internal/altauth/samlsp"
	"github.com/sgrastar/authrim/internal/authzfsm"
	"github.com/sgrastar/authrim/internal/discovery"
	"github.com/sgrastar/authrim/internal/logout"
	"github.com/sgrastar/authrim/internal/model"
	"github.com/sgrastar/authrim/internal/oidcreq"
	"github.com/sgrastar/authrim/internal/shard"
	"github.com/sgrastar/authrim/internal/token"
)

func TestHealthzRouteServesOK(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := Dependencies{
		Parser:  parser,
		Clients: clients,
		AuthzDeps: authzfsm.Deps{
			Sessions:         actor.NewSessionStore(),
			AuthCodes:        actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig()),
			Challenges:       actor.NewChallengeStore(),
			DPoPJti:          actor.NewDPoPJtiStore(),
			Associations:     actor.NewAssociationStore(),
			Keys:             keys,
			Issuer:           token.NewIssuer(keys),
			Router:           shard.NewRouter(8),
			Consent:          noConsent{},
			IssuerURL:        "https://issuer.example.com",
			ConformanceMode:  true,
			BrowserStateSalt: "test-salt",
		},
		Keys:      keys,
		Endpoints: discovery.Endpoints{IssuerURL: "https://issuer.example.com"},
		Logout: &logout.Coordinator{
			Sessions:     actor.NewSessionStore(),
			Associations: actor.NewAssociationStore(),
			Keys:         keys,
			Clients:      &fakeRPLookup{},
			Notify:       &noopNotifier{},
			IssuerURL:    "https://issuer.example.com",
		},
		Policy: CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}

	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestRouterServesDiscoveryAndJWKS(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := Dependencies{
		Parser:  parser,
		Clients: clients,
		AuthzDeps: authzfsm.Deps{
			Sessions:         actor.NewSessionStore(),
			AuthCodes:        actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig()),
			Challenges:       actor.NewChallengeStore(),
			DPoPJti:          actor.NewDPoPJtiStore(),
			Associations:     actor.NewAssociationStore(),
			Keys:             keys,
			Issuer:           token.NewIssuer(keys),
			Router:           shard.NewRouter(8),
			Consent:          noConsent{},
			IssuerURL:        "https://issuer.example.com",
			ConformanceMode:  true,
			BrowserStateSalt: "test-salt",
		},
		Keys:      keys,
		Endpoints: discovery.Endpoints{IssuerURL: "https://issuer.example.com"},
		Logout: &logout.Coordinator{
			Sessions:     actor.NewSessionStore(),
			Associations: actor.NewAssociationStore(),
			Keys:         keys,
			Clients:      &fakeRPLookup{},
			Notify:       &noopNotifier{},
			IssuerURL:    "https://issuer.example.com",
		},
		Policy: CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}

	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/jwks", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestRouterOmitsSAMLRouteWhenConsumerNil(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := Dependencies{
		Parser:  parser,
		Clients: clients,
		AuthzDeps: authzfsm.Deps{
			Sessions:         actor.NewSessionStore(),
			AuthCodes:        actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig()),
			Challenges:       actor.NewChallengeStore(),
			DPoPJti:          actor.NewDPoPJtiStore(),
			Associations:     actor.NewAssociationStore(),
			Keys:             keys,
			Issuer:           token.NewIssuer(keys),
			Router:           shard.NewRouter(8),
			Consent:          noConsent{},
			IssuerURL:        "https://issuer.example.com",
			ConformanceMode:  true,
			BrowserStateSalt: "test-salt",
		},
		Keys:      keys,
		Endpoints: discovery.Endpoints{IssuerURL: "https://issuer.example.com"},
		Logout: &logout.Coordinator{
			Sessions:     actor.NewSessionStore(),
			Associations: actor.NewAssociationStore(),
			Keys:         keys,
			Clients:      &fakeRPLookup{},
			Notify:       &noopNotifier{},
			IssuerURL:    "https://issuer.example.com",
		},
		SAML:   nil,
		Policy: CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}

	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/saml/sp/acs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/saml/idp/sso", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusNotFound, rec2.Code)

	req3 := httptest.NewRequest(http.MethodPost, "/api/auth/dids/challenge", nil)
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, req3)
	require.Equal(t, http.StatusNotFound, rec3.Code)
}

func TestRouterRegistersIdPSSORouteWhenBridgeConfigured(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)
	priv, der, _ := generateSAMLTestCert(t)

	deps := Dependencies{
		Parser:  parser,
		Clients: clients,
		AuthzDeps: authzfsm.Deps{
			Sessions:         actor.NewSessionStore(),
			AuthCodes:        actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig()),
			Challenges:       actor.NewChallengeStore(),
			DPoPJti:          actor.NewDPoPJtiStore(),
			Associations:     actor.NewAssociationStore(),
			Keys:             keys,
			Issuer:           token.NewIssuer(keys),
			Router:           shard.NewRouter(8),
			Consent:          noConsent{},
			IssuerURL:        "https://issuer.example.com",
			ConformanceMode:  true,
			BrowserStateSalt: "test-salt",
		},
		Keys:      keys,
		Endpoints: discovery.Endpoints{IssuerURL: "https://issuer.example.com"},
		Logout: &logout.Coordinator{
			Sessions:     actor.NewSessionStore(),
			Associations: actor.NewAssociationStore(),
			Keys:         keys,
			Clients:      &fakeRPLookup{},
			Notify:       &noopNotifier{},
			IssuerURL:    "https://issuer.example.com",
		},
		IdPBridge: &samlsp.IdPBridge{
			EntityID: samlTestIdPEntityID,
			Key:      samlsp.IssuerKey{PrivateKey: priv, CertificateDER: der},
		},
		IdPSPs:   map[string]samlsp.RegisteredSP{},
		Sessions: actor.NewSessionStore(),
		Policy:   CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}

	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/saml/idp/sso?sp_entity_id=unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusNotFound, rec.Code)
}

func TestRouterRegistersDIDRoutesWhenVerifierConfigured(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := Dependencies{
		Parser:  parser,
		Clients: clients,
		AuthzDeps: authzfsm.Deps{
			Sessions:         actor.NewSessionStore(),
			AuthCodes:        actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig()),
			Challenges:       actor.NewChallengeStore(),
			DPoPJti:          actor.NewDPoPJtiStore(),
			Associations:     actor.NewAssociationStore(),
			Keys:             keys,
			Issuer:           token.NewIssuer(keys),
			Router:           shard.NewRouter(8),
			Consent:          noConsent{},
			IssuerURL:        "https://issuer.example.com",
			ConformanceMode:  true,
			BrowserStateSalt: "test-salt",
		},
		Keys:      keys,
		Endpoints: discovery.Endpoints{IssuerURL: "https://issuer.example.com"},
		Logout: &logout.Coordinator{
			Sessions:     actor.NewSessionStore(),
			Associations: actor.NewAssociationStore(),
			Keys:         keys,
			Clients:      &fakeRPLookup{},
			Notify:       &noopNotifier{},
			IssuerURL:    "https://issuer.example.com",
		},
		DIDVerifier: &didauth.Verifier{
			Challenges: actor.NewChallengeStore(),
			Resolver:   didauth.MethodResolver{"key": didauth.KeyResolver{}},
			Identities: actor.NewDIDLinkStore(),
			IssuerURL:  "https://issuer.example.com",
		},
		Policy: CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}

	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/dids/challenge", strings.NewReader(`{"did":"did:key:unknown"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusNotFound, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/auth/dids/verify", strings.NewReader(`{"challenge_id":"x","proof_jws":"y"}`))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.NotEqual(t, http.StatusNotFound, rec2.Code)
}

func TestRouterOmitsPasskeyRoutesWhenManagerNil(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := Dependencies{
		Parser:  parser,
		Clients: clients,
		AuthzDeps: authzfsm.Deps{
			Sessions:   actor.NewSessionStore(),
			AuthCodes:  actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig()),
			Challenges: actor.NewChallengeStore(),
			DPoPJti:    actor.NewDPoPJtiStore(),
			Keys:       keys,
			Issuer:     token.NewIssuer(keys),
			Router:     shard.NewRouter(8),
			Consent:    noConsent{},
			IssuerURL:  "https://issuer.example.com",
		},
		Keys:      keys,
		Endpoints: discovery.Endpoints{IssuerURL: "https://issuer.example.com"},
		Logout: &logout.Coordinator{
			Sessions:     actor.NewSessionStore(),
			Associations: actor.NewAssociationStore(),
			Keys:         keys,
			Clients:      &fakeRPLookup{},
			Notify:       &noopNotifier{},
			IssuerURL:    "https://issuer.example.com",
		},
		Policy: CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}

	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/passkeys/register/options", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterRegistersPasskeyRoutesWhenManagerConfigured(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)
	wa, err := webauthn.New(&webauthn.Config{RPDisplayName: "Test", RPID: "example.com", RPOrigins: []string{"https://example.com"}})
	require.NoError(t, err)
	store := passkey.NewMemoryStore()

	deps := Dependencies{
		Parser:  parser,
		Clients: clients,
		AuthzDeps: authzfsm.Deps{
			Sessions:   actor.NewSessionStore(),
			AuthCodes:  actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig()),
			Challenges: actor.NewChallengeStore(),
			DPoPJti:    actor.NewDPoPJtiStore(),
			Keys:       keys,
			Issuer:     token.NewIssuer(keys),
			Router:     shard.NewRouter(8),
			Consent:    noConsent{},
			IssuerURL:  "https://issuer.example.com",
		},
		Keys:      keys,
		Endpoints: discovery.Endpoints{IssuerURL: "https://issuer.example.com"},
		Logout: &logout.Coordinator{
			Sessions:     actor.NewSessionStore(),
			Associations: actor.NewAssociationStore(),
			Keys:         keys,
			Clients:      &fakeRPLookup{},
			Notify:       &noopNotifier{},
			IssuerURL:    "https://issuer.example.com",
		},
		Passkey:      &passkey.Manager{WebAuthn: wa, Challenges: actor.NewChallengeStore(), Store: store},
		PasskeyStore: store,
		Sessions:     actor.NewSessionStore(),
		Policy:       CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}

	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/passkeys/login/options", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusNotFound, rec.Code)
}

func baseRouterDeps(keys *actor.KeyManager, clients *fakeClients, parser *oidcreq.Parser) Dependencies {
	return Dependencies{
		Parser:  parser,
		Clients: clients,
		AuthzDeps: authzfsm.Deps{
			Sessions:         actor.NewSessionStore(),
			AuthCodes:        actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig()),
			Challenges:       actor.NewChallengeStore(),
			DPoPJti:          actor.NewDPoPJtiStore(),
			Associations:     actor.NewAssociationStore(),
			Keys:             keys,
			Issuer:           token.NewIssuer(keys),
			Router:           shard.NewRouter(8),
			Consent:          noConsent{},
			IssuerURL:        "https://issuer.example.com",
			ConformanceMode:  true,
			BrowserStateSalt: "test-salt",
		},
		Keys:      keys,
		Endpoints: discovery.Endpoints{IssuerURL: "https://issuer.example.com"},
		Logout: &logout.Coordinator{
			Sessions:     actor.NewSessionStore(),
			Associations: actor.NewAssociationStore(),
			Keys:         keys,
			Clients:      &fakeRPLookup{},
			Notify:       &noopNotifier{},
			IssuerURL:    "https://issuer.example.com",
		},
		BrowserStateSalt: "test-salt",
		Policy:           CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}
}

func TestRouterOmitsPARRouteWhenStoreNil(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{clients: map[string]model.Client{"client-1": baseClient()}}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := baseRouterDeps(keys, clients, parser)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/par", strings.NewReader("client_id=client-1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterRegistersPARRouteWhenStoreConfigured(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{clients: map[string]model.Client{"client-1": baseClient()}}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := baseRouterDeps(keys, clients, parser)
	deps.ParStore = actor.NewPARRequestStore()
	deps.Region = "test-region"
	router := NewRouter(deps)

	form := "client_id=client-1&redirect_uri=" + "https%3A%2F%2Frp.example.com%2Fcb" + "&response_type=code&scope=openid"
	req := httptest.NewRequest(http.MethodPost, "/par", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusNotFound, rec.Code)
}

func TestRouterOmitsEmailOTPRoutesWhenUnconfigured(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := baseRouterDeps(keys, clients, parser)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/email-codes/send", strings.NewReader(`{"email":"a@example.com"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterAddsCORSHeadersOnDiscoveryWhenOriginsConfigured(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := baseRouterDeps(keys, clients, parser)
	deps.AllowedOrigins = []string{"https://rp.example.com"}
	deps.AllowedHeaders = []string{"Authorization"}
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	req.Header.Set("Origin", "https://rp.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://rp.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterOmitsCORSHeadersWhenOriginsUnconfigured(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := baseRouterDeps(keys, clients, parser)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	req.Header.Set("Origin", "https://rp.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterServesSessionCheckIframe(t *testing.T) {
	keys := actor.NewKeyManager(actor.DefaultRotationStrategy())
	clients := &fakeClients{}
	parser := oidcreq.New(oidcreq.Options{IssuerURL: "https://issuer.example.com"}, clients, nil, nil)

	deps := baseRouterDeps(keys, clients, parser)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/session/check", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test-salt")
}
