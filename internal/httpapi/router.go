// Package httpapi wires the router spec §6's HTTP surface table names onto
// the core packages (authzfsm, discovery, logout, altauth/*), the way
// dex's server/server.go newRouter/newHealthChecker compose gorilla/mux
// routes over the server struct's methods.
package httpapi

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/altauth/didauth"
	"github.com/sgrastar/authrim/internal/altauth/emailotp"
	"github.com/sgrastar/authrim/internal/altauth/passkey"
	"github.com/sgrastar/authrim/internal/altauth/samlsp"
	"github.com/sgrastar/authrim/internal/authzfsm"
	"github.com/sgrastar/authrim/internal/discovery"
	"github.com/sgrastar/authrim/internal/logout"
	"github.com/sgrastar/authrim/internal/oidcreq"
)

// Dependencies bundles every collaborator NewRouter needs. Built up by
// cmd/authrimd from internal/config at startup.
type Dependencies struct {
	Parser      *oidcreq.Parser
	Clients     ClientLookup
	AuthzDeps   authzfsm.Deps
	Keys        *actor.KeyManager
	Endpoints   discovery.Endpoints
	Logout      *logout.Coordinator
	SAML        *samlsp.Consumer
	SessionIssuer *SessionIssuer
	ResolveSAMLUser func(identity samlsp.Identity) (userID string, err error)
	// IdPBridge and IdPSPs configure the outbound `/saml/idp/sso` route;
	// left nil when this deployment doesn't bridge to any downstream SP.
	IdPBridge *samlsp.IdPBridge
	IdPSPs    map[string]samlsp.RegisteredSP
	Sessions  *actor.SessionStore
	// DIDVerifier configures the `/api/auth/dids/challenge` and
	// `/api/auth/dids/verify` routes; left nil when this deployment doesn't
	// offer DID-based login.
	DIDVerifier *didauth.Verifier
	// Passkey configures the `/api/auth/passkeys/*` routes; left nil when
	// this deployment doesn't offer passkey login.
	Passkey      *passkey.Manager
	PasskeyStore *passkey.MemoryStore

	// ParStore/Region/RateLimiter configure the `/par` route (RFC 9126).
	ParStore       *actor.PARRequestStore
	Region         string
	PARRateLimiter *actor.RateLimiter

	// EmailOTP configures the `/api/auth/email-codes/{send,verify}` routes;
	// left nil when this deployment doesn't offer email-OTP login.
	EmailOTPSender   *emailotp.Sender
	EmailOTPVerifier *emailotp.Verifier

	// BrowserStateSalt backs `/session/check`'s session_state recomputation
	// (spec §4.3.10); must match authzfsm.Deps.BrowserStateSalt.
	BrowserStateSalt string

	Policy CookiePolicy

	// AllowedOrigins/AllowedHeaders configure CORS on the public
	// discovery/jwks/session-check endpoints (spec §6), the same routes
	// dex's handleWithCORS wraps. Empty AllowedOrigins disables CORS
	// entirely, matching dex's "len(c.AllowedOrigins) > 0" guard.
	AllowedOrigins []string
	AllowedHeaders []string
}

// corsWrap wraps h in gorilla/handlers' CORS middleware when origins are
// configured, mirroring dex's server.go handleWithCORS.
func corsWrap(deps Dependencies, h http.Handler) http.Handler {
	if len(deps.AllowedOrigins) == 0 {
		return h
	}
	return handlers.CORS(
		handlers.AllowedOrigins(deps.AllowedOrigins),
		handlers.AllowedHeaders(deps.AllowedHeaders),
	)(h)
}

// NewRouter builds the full mux, matching spec §6's endpoint table.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/authorize", &AuthorizeHandler{
		Parser:  deps.Parser,
		Clients: deps.Clients,
		Deps:    deps.AuthzDeps,
		Policy:  deps.Policy,
	}).Methods(http.MethodGet, http.MethodPost)

	r.Handle("/.well-known/openid-configuration",
		corsWrap(deps, &DiscoveryHandler{Endpoints: deps.Endpoints}),
	).Methods(http.MethodGet)
	r.Handle("/jwks", corsWrap(deps, &JWKSHandler{Keys: deps.Keys})).Methods(http.MethodGet)

	r.Handle("/logout", &LogoutHandler{
		Coordinator: deps.Logout,
		Clients:     deps.Clients,
		Policy:      deps.Policy,
	}).Methods(http.MethodGet)

	if deps.SAML != nil {
		r.Handle("/saml/sp/acs", &ACSHandler{
			Consumer:      deps.SAML,
			Sessions:      deps.SessionIssuer,
			ResolveUserID: deps.ResolveSAMLUser,
		}).Methods(http.MethodPost)
	}

	if deps.IdPBridge != nil {
		r.Handle("/saml/idp/sso", &IdPSSOHandler{
			Bridge:   deps.IdPBridge,
			SPs:      deps.IdPSPs,
			Sessions: deps.Sessions,
		}).Methods(http.MethodGet, http.MethodPost)
	}

	if deps.DIDVerifier != nil {
		r.Handle("/api/auth/dids/challenge", &DIDChallengeHandler{Verifier: deps.DIDVerifier}).Methods(http.MethodPost)
		r.Handle("/api/auth/dids/verify", &DIDVerifyHandler{Verifier: deps.DIDVerifier, Sessions: deps.SessionIssuer}).Methods(http.MethodPost)
	}

	if deps.Passkey != nil {
		r.Handle("/api/auth/passkeys/register/options", &PasskeyRegisterBeginHandler{
			Manager:  deps.Passkey,
			Store:    deps.PasskeyStore,
			Sessions: deps.SessionIssuer,
		}).Methods(http.MethodPost)
		r.Handle("/api/auth/passkeys/register/verify", &PasskeyRegisterFinishHandler{Manager: deps.Passkey}).Methods(http.MethodPost)
		r.Handle("/api/auth/passkeys/login/options", &PasskeyLoginBeginHandler{Manager: deps.Passkey}).Methods(http.MethodPost)
		r.Handle("/api/auth/passkeys/login/verify", &PasskeyLoginFinishHandler{
			Manager:  deps.Passkey,
			Sessions: deps.SessionIssuer,
		}).Methods(http.MethodPost)
	}

	if deps.ParStore != nil {
		r.Handle("/par", &PARHandler{
			Parser:  deps.Parser,
			Store:   deps.ParStore,
			Router:  deps.AuthzDeps.Router,
			Region:  deps.Region,
			Limiter: deps.PARRateLimiter,
		}).Methods(http.MethodPost)
	}

	if deps.EmailOTPSender != nil && deps.EmailOTPVerifier != nil {
		r.Handle("/api/auth/email-codes/send", &EmailCodeSendHandler{Sender: deps.EmailOTPSender}).Methods(http.MethodPost)
		r.Handle("/api/auth/email-codes/verify", &EmailCodeVerifyHandler{
			Verifier: deps.EmailOTPVerifier,
			Sessions: deps.SessionIssuer,
		}).Methods(http.MethodPost)
	}

	r.Handle("/session/check",
		corsWrap(deps, &SessionCheckHandler{Salt: deps.BrowserStateSalt}),
	).Methods(http.MethodGet)

	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)

	return r
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
