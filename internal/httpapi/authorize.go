package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/sgrastar/authrim/internal/apperror"
	"github.com/sgrastar/authrim/internal/authzfsm"
	"github.com/sgrastar/authrim/internal/model"
	"github.com/sgrastar/authrim/internal/oidcreq"
)

// ClientLookup is the subset of internal/registry.Registry AuthorizeHandler
// needs to re-resolve the client and tenant profile the state machine
// requires (oidcreq.Parser already validated them while parsing).
type ClientLookup interface {
	GetClient(ctx context.Context, clientID string) (model.Client, error)
	GetTenantProfile(ctx context.Context, tenantID string) (model.TenantProfile, error)
}

// AuthorizeHandler serves GET/POST /authorize: parse, run the state
// machine, then either redirect to the login/consent UI or deliver the
// issued response (spec §4.2/§4.3).
type AuthorizeHandler struct {
	Parser  *oidcreq.Parser
	Clients ClientLookup
	Deps    authzfsm.Deps
	Policy  CookiePolicy
}

func (h *AuthorizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDisplayedError(w, apperror.Displayed("Malformed authorization request."))
		return
	}

	raw := oidcreq.RawParams(r.Form)
	params, aerr := h.Parser.Parse(r.Context(), raw)
	if aerr != nil {
		WriteAuthError(w, r, aerr)
		return
	}

	client, err := h.Clients.GetClient(r.Context(), params.ClientID)
	if err != nil {
		WriteAuthError(w, r, apperror.Displayed("Unknown client."))
		return
	}
	tenant, err := h.Clients.GetTenantProfile(r.Context(), client.TenantID)
	if err != nil {
		WriteAuthError(w, r, apperror.Internal())
		return
	}

	in := authzfsm.Input{
		Params:     params,
		Client:     client,
		Tenant:     tenant,
		HTTPMethod: r.Method,
		HTTPURL:    h.Deps.IssuerURL + r.URL.Path,
		RPOrigin:   r.Header.Get("Origin"),
	}
	if sid, ok := ReadCookie(r, SessionCookieName); ok {
		in.SessionID = sid
	}
	if bs, ok := ReadCookie(r, BrowserStateCookieName); ok {
		in.BrowserState = bs
	}
	if proof := r.Header.Get("DPoP"); proof != "" {
		in.DPoPProofJWS = proof
	}

	outcome, aerr := authzfsm.Authorize(r.Context(), h.Deps, in)
	if aerr != nil {
		WriteAuthError(w, r, aerr)
		return
	}

	switch outcome.Kind {
	case authzfsm.OutcomeLoginRedirect, authzfsm.OutcomeReauthRedirect, authzfsm.OutcomeConsentRedirect:
		http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)
	case authzfsm.OutcomeIssued:
		if outcome.BrowserState != "" {
			BrowserStateCookie(h.Policy, outcome.BrowserState, 24*time.Hour).Apply(w)
		}
		deliverResponseParams(w, r, params.RedirectURI, outcome.ResponseMode, outcome.ResponseParams)
	}
}
