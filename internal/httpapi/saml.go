package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/altauth/samlsp"
	"github.com/sgrastar/authrim/internal/model"
	"github.com/sgrastar/authrim/internal/shard"
)

// SessionTTL is the default Session lifetime, per spec §3's Session entity.
const SessionTTL = 24 * time.Hour

// SessionIssuer bridges a successfully validated external identity (SAML,
// DID, passkey) into a new browser Session, shared by every alt-auth HTTP
// handler so each one doesn't reimplement session creation/cookie issuance.
type SessionIssuer struct {
	Sessions *actor.SessionStore
	Router   *shard.Router
	Policy   CookiePolicy
}

// Issue creates a Session for userID with the given AMR value and sets the
// authrim_session cookie on w.
func (si *SessionIssuer) Issue(ctx context.Context, w http.ResponseWriter, userID, amr string) error {
	h := fnv.New64a()
	h.Write([]byte(userID))
	shardIndex := int(h.Sum64() % uint64(si.Router.ShardCount()))
	sessionID := shard.NewSessionID(shardIndex)

	now := time.Now()
	sess := model.Session{
		ID:       sessionID,
		UserID:   userID,
		Expiry:   now.Add(SessionTTL),
		AuthTime: now,
		AMR:      []string{amr},
		Data:     map[string]string{},
	}
	if err := si.Sessions.CreateSession(ctx, sess, SessionTTL); err != nil {
		return err
	}
	SessionCookie(si.Policy, sessionID, SessionTTL).Apply(w)
	return nil
}

// ACSHandler serves the SAML SP Assertion Consumer Service endpoint
// (`/saml/sp/acs`, spec §6): consumes the POST-bound SAMLResponse and, on
// success, establishes a Session carrying AMR=saml.
type ACSHandler struct {
	Consumer *samlsp.Consumer
	Sessions *SessionIssuer
	// ResolveUserID maps a validated SAML Identity to a local user id,
	// provisioning one if JIT provisioning is configured. Left abstract:
	// the relational user store lives outside the core (spec §1).
	ResolveUserID func(identity samlsp.Identity) (userID string, err error)
}

func (h *ACSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	identity, aerr := h.Consumer.ConsumeResponse(r.Context(), r.FormValue("SAMLResponse"))
	if aerr != nil {
		WriteAuthError(w, r, aerr)
		return
	}

	userID, err := h.ResolveUserID(identity)
	if err != nil {
		http.Error(w, "unable to resolve identity", http.StatusForbidden)
		return
	}
	if err := h.Sessions.Issue(r.Context(), w, userID, model.AMRSAML); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if relay := r.FormValue("RelayState"); relay != "" {
		http.Redirect(w, r, relay, http.StatusFound)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// IdPSSOHandler serves the bridge's `/saml/idp/sso` endpoint (spec §6's
// `/saml/idp/*` group): asserts the identity of the already-authenticated
// OIDC session to a downstream SAML-only SP, bridging in the direction
// `SessionIssuer`/`ACSHandler` don't cover.
type IdPSSOHandler struct {
	Bridge   *samlsp.IdPBridge
	SPs      map[string]samlsp.RegisteredSP // keyed by entity id
	Sessions *actor.SessionStore
}

func (h *IdPSSOHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	spEntityID := r.Form.Get("sp_entity_id")
	sp, ok := h.SPs[spEntityID]
	if !ok {
		http.Error(w, "unknown service provider", http.StatusBadRequest)
		return
	}

	sessionID, ok := ReadCookie(r, SessionCookieName)
	if !ok {
		http.Error(w, "no active session", http.StatusUnauthorized)
		return
	}
	sess, ok := h.Sessions.GetSession(r.Context(), sessionID)
	if !ok {
		http.Error(w, "no active session", http.StatusUnauthorized)
		return
	}

	attrs := map[string][]string{}
	if email, ok := sess.Data["email"]; ok && email != "" {
		attrs["email"] = []string{email}
	}

	assertionB64, err := h.Bridge.IssueAssertion(r.Context(), sp, sess.UserID, attrs, r.Form.Get("request_id"))
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	assertionXML, err := base64.StdEncoding.DecodeString(assertionB64)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	envelope := fmt.Sprintf(
		`<Response xmlns="urn:oasis:names:tc:SAML:2.0:protocol" Destination="%s"><Issuer xmlns="urn:oasis:names:tc:SAML:2.0:assertion">%s</Issuer><Status><StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/></Status>%s</Response>`,
		sp.ACSURL, h.Bridge.EntityID, string(assertionXML))
	respB64 := base64.StdEncoding.EncodeToString([]byte(envelope))

	params := map[string]string{"SAMLResponse": respB64}
	if relay := r.Form.Get("RelayState"); relay != "" {
		params["RelayState"] = relay
	}
	writeFormPost(w, sp.ACSURL, params)
}
