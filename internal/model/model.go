// Package model defines the entities shared by the authorization state
// machine, the ephemeral-state actors, and the credential subsystem.
package model

import "time"

// Client is an OAuth2/OIDC relying party registered with the provider.
//
// It generalizes dex's storage.Client with the fields the spec's request
// validator and state machine need: a scope whitelist, DPoP binding,
// consent-skip, delegation mode, and redirect-origin suffix matching for
// native apps.
type Client struct {
	ID     string
	Secret string // bcrypt/argon2 hash, empty for public clients
	Public bool

	RedirectURIs               []string
	AllowedRedirectOriginSuffix []string // e.g. ".example.com" for native-app loopback variants

	ResponseTypes    []string // subset of the server-wide supported set
	RequestableScopes []string // nil means "any scope the server supports"

	// Key material used to verify the client's JAR request objects; no
	// response or ID token is encrypted to it.
	JWKS    []byte // inline JWKS document, mutually exclusive with JWKSURL
	JWKSURL string

	DPoPBound      bool // dpop_bound_access_tokens
	SkipConsent    bool // trusted first-party clients
	DelegationMode string

	TrustedPeers []string // cross-client audience trust, as in dex

	TenantID string
}

// TenantProfile configures per-tenant behavior. The zero value has
// UsesDOForState false, which is the AI-Ephemeral profile; a Human profile
// sets UsesDOForState to true.
type TenantProfile struct {
	Name                  string
	UsesDOForState        bool // false => AI-Ephemeral profile: no Session is ever created
	AllowedResponseTypes  []string
	RARenabled            bool
	AllowedAuthzDetailTypes []string
}

// AllowedResponseType reports whether rt may be used under this profile.
// An AI-Ephemeral profile (UsesDOForState false) allows only "code"; a
// Human profile allows AllowedResponseTypes, or any type when that is empty.
func (t TenantProfile) AllowedResponseType(rt string) bool {
	if t.UsesDOForState {
		if len(t.AllowedResponseTypes) == 0 {
			return true
		}
		return contains(t.AllowedResponseTypes, rt)
	}
	return rt == "code"
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// PKCE holds the Proof Key for Code Exchange parameters of an authorization
// request or code.
type PKCE struct {
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationDetail is a single RFC 9396 Rich Authorization Request entry.
type AuthorizationDetail struct {
	Type    string         `json:"type"`
	Actions []string       `json:"actions,omitempty"`
	Locations []string     `json:"locations,omitempty"`
	Identifier string      `json:"identifier,omitempty"`
	Extra   map[string]any `json:"-"`
}

// ClaimsRequest is the parsed "claims" authorization parameter.
type ClaimsRequest struct {
	UserInfo map[string]*ClaimSpec `json:"userinfo,omitempty"`
	IDToken  map[string]*ClaimSpec `json:"id_token,omitempty"`
}

// ClaimSpec describes a single requested claim's constraints.
type ClaimSpec struct {
	Essential bool   `json:"essential,omitempty"`
	Value     string `json:"value,omitempty"`
}

// PARRequest is the snapshot stored by the PARRequestStore actor, keyed by
// an opaque request_uri.
type PARRequest struct {
	RequestURI string
	ClientID   string
	Params     AuthParams
	DPoPJKT    string
	Expiry     time.Time
}

// AuthParams is the union of all authorization-request parameters, after
// merging form/query, PAR, and JAR sources (later overrides earlier, per
// spec §4.2).
type AuthParams struct {
	ClientID            string
	ResponseType         string
	RedirectURI          string
	Scope                []string
	State                string
	Nonce                string
	ResponseMode         string
	CodeChallenge        string
	CodeChallengeMethod  string
	Claims               *ClaimsRequest
	AuthorizationDetails []AuthorizationDetail
	MaxAge               *int64
	Prompt               []string
	IDTokenHint          string
	ACRValues            []string
	Resource             []string
	Audience             []string
	RequestURI           string // urn:ietf:params:oauth:request_uri:...
	Request              string // JAR JWT
	DPoPJKT              string

	// These fields carry the server-trusted in-band control
	// values a UI re-entry redirect set. These MUST NEVER be accepted from
	// an external caller directly; only the httpapi layer that owns the
	// signed continuation cookie may populate them.
	Confirmed        bool
	ConsentConfirmed bool
	SessionUserID    string
	AuthTime         time.Time
}

// Challenge is the single-use snapshot stored by the ChallengeStore actor.
type Challenge struct {
	ID       string
	Type     ChallengeType
	UserID   string // empty for anonymous/pre-authentication challenges
	Secret   string // HMAC hash for email-OTP, challenge string for WebAuthn/DID
	Email    string
	Metadata AuthParams // full authorization-request snapshot, for login/reauth/consent
	Expiry   time.Time
	Consumed bool
}

// ChallengeType enumerates the Challenge variants from spec §3.
type ChallengeType string

const (
	ChallengeLogin                ChallengeType = "login"
	ChallengeReauth               ChallengeType = "reauth"
	ChallengeConsent              ChallengeType = "consent"
	ChallengePasskeyRegistration  ChallengeType = "passkey_registration"
	ChallengePasskeyAuthentication ChallengeType = "passkey_authentication"
	ChallengeEmailCode            ChallengeType = "email_code"
	ChallengeDIDAuthentication    ChallengeType = "did_authentication"
	ChallengeDIDRegistration      ChallengeType = "did_registration"
)

// AuthorizationCode is the single-use code minted at authorization success.
type AuthorizationCode struct {
	Code                 string
	ClientID             string
	RedirectURI          string
	UserID               string
	Scope                []string
	PKCE                 PKCE
	Nonce                string
	State                string
	Claims               *ClaimsRequest
	AuthTime             time.Time
	ACR                  string
	DPoPJKT              string
	SID                  string // session id, for logout linkage
	AuthorizationDetails []AuthorizationDetail
	Expiry               time.Time
}

// UserClaims holds the profile data used to populate ID token / UserInfo
// claims. It generalizes dex's storage.Claims with the additional
// profile/email/phone/address fields spec §4.3.8 requires.
type UserClaims struct {
	UserID            string
	Username          string
	PreferredUsername string
	GivenName         string
	FamilyName        string
	Picture           string
	Email             string
	EmailVerified     bool
	PhoneNumber       string
	PhoneVerified     bool
	Address           string
	Groups            []string
}

// AMR values, per spec glossary.
const (
	AMRPassword = "pwd"
	AMROTP      = "otp"
	AMRPasskey  = "passkey"
	AMRSAML     = "saml"
	AMRDID      = "did"
)

// Session is the authenticated browser session held by the SessionStore
// actor.
type Session struct {
	ID        string
	UserID    string
	Expiry    time.Time
	AuthTime  time.Time
	AMR       []string
	ACR       string
	Anonymous bool
	Data      map[string]string // e.g. email, anon->full upgrade nonce
}

// SessionClientAssociation records that tokens were issued to ClientID for
// SessionID, so the logout coordinator can enumerate RPs to notify.
type SessionClientAssociation struct {
	SessionID string
	ClientID  string
}

// SigningKey is an RSA key pair with a kid, owned by the KeyManager actor.
type SigningKey struct {
	KeyID      string
	PrivatePEM []byte
	PublicJWK  []byte
	Expiry     time.Time // zero for the active key
}
