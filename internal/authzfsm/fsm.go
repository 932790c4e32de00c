// Package authzfsm drives the multi-step flow from a parsed authorization
// request through authentication, consent, and credential issuance (spec
// §4.3): START -> PARSED -> AUTHENTICATED -> CONSENTED -> ISSUED, with
// side-branches that park the request in a Challenge and hand off to a UI.
// Grounded on dex's server/oauth2.go request-handling sequence, generalized
// with the session/consent/DPoP/JARM machinery dex doesn't have.
package authzfsm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/apperror"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
	"github.com/sgrastar/authrim/internal/shard"
	"github.com/sgrastar/authrim/internal/token"
)

// ConsentChecker abstracts the out-of-core relational consent store (spec
// §1: "the relational stores ... only the schemas and queries the core
// issues").
type ConsentChecker interface {
	HasConsent(ctx context.Context, userID, clientID string, scope []string) (bool, error)
	RecordConsent(ctx context.Context, userID, clientID string, scope []string) error
}

// Deps bundles every collaborator the state machine needs, the
// dependency-injection struct spec §9 calls for in place of the source's
// context-carried runtime bindings.
type Deps struct {
	Sessions     *actor.SessionStore
	AuthCodes    *actor.AuthCodeShard
	Challenges   *actor.ChallengeStore
	DPoPJti      *actor.DPoPJtiStore
	Associations *actor.AssociationStore
	Keys         *actor.KeyManager
	Issuer       *token.Issuer
	Router       *shard.Router
	Consent      ConsentChecker
	IssuerURL    string

	// ConformanceMode enables the builtin login/consent UI (spec §4.3.5);
	// LoginURL/ConsentURL are required when it is false.
	ConformanceMode bool
	LoginURL        string
	ConsentURL      string

	BrowserStateSalt string
	Now              func() time.Time
}

func (d Deps) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Input is everything the HTTP boundary has already extracted for one
// /authorize call.
type Input struct {
	Params  model.AuthParams
	Client  model.Client
	Tenant  model.TenantProfile
	UserID  string // resolved from a previously-issued credential, if any

	SessionID     string // from the authrim_session cookie, "" if absent
	DPoPProofJWS  string // from the DPoP header, "" if absent
	HTTPMethod    string
	HTTPURL       string
	RPOrigin      string // Origin header, for session_state
	BrowserState  string // authrim_browser_state cookie, generated if absent
}

// OutcomeKind discriminates what the httpapi layer must do next.
type OutcomeKind int

const (
	OutcomeIssued OutcomeKind = iota
	OutcomeLoginRedirect
	OutcomeReauthRedirect
	OutcomeConsentRedirect
)

// Outcome is what Authorize returns on success.
type Outcome struct {
	Kind OutcomeKind

	// For redirect outcomes: where to send the user agent (builtin UI route
	// or ConsentURL/LoginURL, with a challenge id appended).
	RedirectURL string
	ChallengeID string

	// For OutcomeIssued:
	ResponseParams map[string]string
	ResponseMode   string
	SessionID      string
	SetSessionCookie bool
	BrowserState     string
}

// Authorize runs the full decision sequence of spec §4.3 and returns either
// a redirect/issuance Outcome or an *apperror.AuthError.
func Authorize(ctx context.Context, deps Deps, in Input) (*Outcome, *apperror.AuthError) {
	redirect := func(code apperror.Code, format string, args ...any) *apperror.AuthError {
		return apperror.Validation(code, format, args...).WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
	}

	// 1. Session lookup.
	var sess model.Session
	haveSession := false
	if in.SessionID != "" {
		if s, ok := deps.Sessions.GetSession(ctx, in.SessionID); ok {
			sess, haveSession = s, true
		}
	}

	// 2. id_token_hint, only consulted when there is no session.
	var hintSub, hintACR string
	var hintAuthTime time.Time
	if !haveSession && in.Params.IDTokenHint != "" {
		keys, err := deps.Keys.VerificationKeys(ctx)
		if err != nil {
			return nil, redirect(apperror.CodeInvalidRequest, "Unable to verify id_token_hint.")
		}
		payload, _, err := icrypto.VerifySignature(in.Params.IDTokenHint, keys)
		if err != nil {
			return nil, redirect(apperror.CodeInvalidRequest, "Invalid id_token_hint.")
		}
		hintSub, hintACR, hintAuthTime = parseHintClaims(payload)
	}

	promptNone := containsStr(in.Params.Prompt, "none")
	promptLogin := containsStr(in.Params.Prompt, "login")

	// 3. prompt=none.
	if promptNone {
		if !haveSession {
			return nil, apperror.LoginRequired().WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
		if sess.Anonymous && !in.Client.SkipConsent {
			return nil, apperror.LoginRequired().WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
		if in.Params.MaxAge != nil && deps.clock().Sub(sess.AuthTime) > time.Duration(*in.Params.MaxAge)*time.Second {
			return nil, apperror.LoginRequired().WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
	}

	maxAgeStale := haveSession && in.Params.MaxAge != nil &&
		deps.clock().Sub(sess.AuthTime) > time.Duration(*in.Params.MaxAge)*time.Second

	// 4. prompt=login / stale max_age: reauth challenge, unless already
	// confirmed in this turn.
	if haveSession && (promptLogin || maxAgeStale) && !in.Params.Confirmed {
		ch, cerr := parkChallenge(ctx, deps, model.ChallengeReauth, sess.UserID, in.Params)
		if cerr != nil {
			return nil, apperror.Internal()
		}
		return &Outcome{Kind: OutcomeReauthRedirect, RedirectURL: deps.uiURL(deps.LoginURL, "reauth"), ChallengeID: ch.ID}, nil
	}

	// 5. No session: park a login challenge.
	if !haveSession {
		if deps.LoginURL == "" && !deps.ConformanceMode {
			return nil, apperror.Config("no login UI configured and conformance mode is disabled.").WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
		userID := hintSub
		ch, cerr := parkChallenge(ctx, deps, model.ChallengeLogin, userID, in.Params)
		if cerr != nil {
			return nil, apperror.Internal()
		}
		_ = hintACR
		_ = hintAuthTime
		return &Outcome{Kind: OutcomeLoginRedirect, RedirectURL: deps.uiURL(deps.LoginURL, "login"), ChallengeID: ch.ID}, nil
	}

	// 6. Consent.
	if !in.Client.SkipConsent {
		ok, err := deps.Consent.HasConsent(ctx, sess.UserID, in.Client.ID, in.Params.Scope)
		if err != nil {
			return nil, apperror.Internal()
		}
		if !ok {
			if promptNone {
				return nil, apperror.ConsentRequired().WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
			}
			if !in.Params.ConsentConfirmed {
				ch, cerr := parkChallenge(ctx, deps, model.ChallengeConsent, sess.UserID, in.Params)
				if cerr != nil {
					return nil, apperror.Internal()
				}
				return &Outcome{Kind: OutcomeConsentRedirect, RedirectURL: deps.uiURL(deps.ConsentURL, "consent"), ChallengeID: ch.ID}, nil
			}
			if err := deps.Consent.RecordConsent(ctx, sess.UserID, in.Client.ID, in.Params.Scope); err != nil {
				return nil, apperror.Internal()
			}
		}
	} else {
		// Trusted first-party client: auto-insert a consent record once.
		ok, err := deps.Consent.HasConsent(ctx, sess.UserID, in.Client.ID, in.Params.Scope)
		if err == nil && !ok {
			_ = deps.Consent.RecordConsent(ctx, sess.UserID, in.Client.ID, in.Params.Scope)
		}
	}

	// 7. DPoP.
	var dpopJKT string
	dpopRequired := in.Client.DPoPBound || in.DPoPProofJWS != ""
	if dpopRequired {
		if in.DPoPProofJWS == "" {
			return nil, apperror.InvalidDPoP("DPoP proof required but not supplied.").WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
		result, err := icrypto.VerifyDPoPProof(in.DPoPProofJWS)
		if err != nil {
			return nil, apperror.InvalidDPoP("DPoP proof verification failed.").WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
		if result.Claims.HTM != in.HTTPMethod || result.Claims.HTU != canonicalizeHTU(in.HTTPURL) {
			return nil, apperror.InvalidDPoP("DPoP htm/htu mismatch.").WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
		if !icrypto.IsFresh(time.Unix(result.Claims.IAT, 0), deps.clock()) {
			return nil, apperror.InvalidDPoP("DPoP proof is stale.").WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
		if !deps.DPoPJti.CheckAndMark(ctx, result.JKT, result.Claims.JTI, icrypto.FreshnessWindow) {
			return nil, apperror.InvalidDPoP("DPoP proof replay detected.").WithRedirect(in.Params.RedirectURI, in.Params.State, in.Params.ResponseMode)
		}
		dpopJKT = result.JKT
	}

	// 8. Issuance.
	respParams := make(map[string]string)
	respParams["state"] = in.Params.State
	respParams["iss"] = deps.IssuerURL

	rtWords := strings.Fields(in.Params.ResponseType)
	wantCode := containsStr(rtWords, "code")
	wantToken := containsStr(rtWords, "token")
	wantIDToken := containsStr(rtWords, "id_token")

	var code string
	if wantCode {
		addr := deps.Router.AuthCodeAddress(sess.UserID, in.Client.ID, sessionShardIndex(in.SessionID))
		code = shard.NewAuthCodeID(addr.Index)
		rec := model.AuthorizationCode{
			Code:        code,
			ClientID:    in.Client.ID,
			RedirectURI: in.Params.RedirectURI,
			UserID:      sess.UserID,
			Scope:       in.Params.Scope,
			PKCE:        model.PKCE{CodeChallenge: in.Params.CodeChallenge, CodeChallengeMethod: in.Params.CodeChallengeMethod},
			Nonce:       in.Params.Nonce,
			State:       in.Params.State,
			Claims:      in.Params.Claims,
			AuthTime:    sess.AuthTime,
			ACR:         sess.ACR,
			DPoPJKT:     dpopJKT,
			SID:         sess.ID,
			AuthorizationDetails: in.Params.AuthorizationDetails,
			Expiry:      deps.clock().Add(600 * time.Second),
		}
		if err := deps.AuthCodes.StoreCode(ctx, rec); err != nil {
			return nil, apperror.Internal()
		}
		respParams["code"] = code
	}

	var accessToken string
	if wantToken {
		at, _, _, err := deps.Issuer.NewAccessToken(ctx, token.IssueParams{
			IssuerURL: deps.IssuerURL,
			ClientID:  in.Client.ID,
			UserID:    sess.UserID,
			Scopes:    in.Params.Scope,
			DPoPJKT:   dpopJKT,
		})
		if err != nil {
			return nil, apperror.Internal()
		}
		accessToken = at
		respParams["access_token"] = accessToken
		respParams["token_type"] = tokenType(dpopJKT)
	}

	if wantIDToken {
		idTok, _, err := deps.Issuer.NewIDToken(ctx, token.IssueParams{
			IssuerURL:            deps.IssuerURL,
			ClientID:             in.Client.ID,
			UserID:               sess.UserID,
			Claims:               model.UserClaims{UserID: sess.UserID},
			Scopes:               in.Params.Scope,
			Nonce:                in.Params.Nonce,
			SID:                  sess.ID,
			ACR:                  sess.ACR,
			AMR:                  sess.AMR,
			AuthTime:             sess.AuthTime,
			Code:                 code,
			AccessToken:          accessToken,
			DPoPJKT:              dpopJKT,
			AuthorizationDetails: in.Params.AuthorizationDetails,
			// spec §9 Open Question: profile claims only injected for
			// response_type=id_token alone (no access token).
			IncludeProfileClaims: in.Params.ResponseType == "id_token",
		})
		if err != nil {
			return nil, apperror.Internal()
		}
		respParams["id_token"] = idTok
	}

	// 9. Session-client association, for implicit/hybrid response types
	// that issue tokens directly without a token-endpoint round trip.
	if wantToken || wantIDToken {
		deps.Associations.Record(ctx, sess.ID, in.Client.ID)
	}

	// 10. Session-state.
	browserState := in.BrowserState
	if browserState == "" {
		browserState = icrypto.NewID()
	}
	if sess.ID != "" && in.Params.RedirectURI != "" {
		if origin := rpOrigin(in.RPOrigin, in.Params.RedirectURI); origin != "" {
			respParams["session_state"] = SessionState(in.Client.ID, origin, browserState, deps.BrowserStateSalt)
		}
	}

	mode := effectiveResponseMode(in.Params.ResponseType, in.Params.ResponseMode)
	return &Outcome{
		Kind:             OutcomeIssued,
		ResponseParams:   respParams,
		ResponseMode:     mode,
		SessionID:        sess.ID,
		SetSessionCookie: true,
		BrowserState:     browserState,
	}, nil
}

func parkChallenge(ctx context.Context, deps Deps, typ model.ChallengeType, userID string, params model.AuthParams) (model.Challenge, error) {
	ch := model.Challenge{
		ID:       icrypto.NewID(),
		Type:     typ,
		UserID:   userID,
		Metadata: params,
		Expiry:   deps.clock().Add(600 * time.Second),
	}
	if err := deps.Challenges.StoreChallenge(ctx, ch); err != nil {
		return model.Challenge{}, err
	}
	return ch, nil
}

func (d Deps) uiURL(configured, builtinRoute string) string {
	if configured != "" {
		return configured
	}
	return "/flow/" + builtinRoute
}

func sessionShardIndex(sessionID string) int {
	idx := strings.IndexByte(sessionID, '_')
	if idx <= 0 {
		return -1
	}
	var n int
	if _, err := fmt.Sscanf(sessionID[:idx], "%d", &n); err != nil {
		return -1
	}
	return n
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func parseHintClaims(payload []byte) (sub, acr string, authTime time.Time) {
	var claims struct {
		Sub      string `json:"sub"`
		ACR      string `json:"acr"`
		AuthTime int64  `json:"auth_time"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", "", time.Time{}
	}
	at := time.Time{}
	if claims.AuthTime > 0 {
		at = time.Unix(claims.AuthTime, 0)
	}
	return claims.Sub, claims.ACR, at
}

// canonicalizeHTU reduces u to the form DPoP's htu claim takes (spec §4.4)
// by dropping any query and fragment; the rest of u is kept as given.
func canonicalizeHTU(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

func tokenType(dpopJKT string) string {
	if dpopJKT != "" {
		return "DPoP"
	}
	return "Bearer"
}

func rpOrigin(explicit, redirectURI string) string {
	if explicit != "" {
		return explicit
	}
	i := strings.Index(redirectURI, "://")
	if i < 0 {
		return ""
	}
	rest := redirectURI[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	return redirectURI[:i+3] + rest
}

// SessionState implements spec §4.3.10:
// SHA-256(client_id || ' ' || rp_origin || ' ' || browser_state || ' ' || salt) + '.' + salt
//
// Exported so internal/httpapi's /session/check iframe handler can recompute
// the identical value from a browser-state cookie without re-deriving the
// formula.
func SessionState(clientID, rpOrigin, browserState, salt string) string {
	h := sha256.Sum256([]byte(clientID + " " + rpOrigin + " " + browserState + " " + salt))
	return base64.RawURLEncoding.EncodeToString(h[:]) + "." + salt
}

// effectiveResponseMode picks the default delivery mode when none was
// requested: code-only -> query; anything carrying id_token/token ->
// fragment (spec §4.3.11).
func effectiveResponseMode(responseType, requested string) string {
	if requested != "" {
		return requested
	}
	if responseType == "code" {
		return "query"
	}
	return "fragment"
}
