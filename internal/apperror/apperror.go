// Package apperror defines the discriminated AuthError sum spec §9 calls
// for in place of string-tagged errors, modeled on dex's server/oauth2.go
// displayedAuthErr/redirectedAuthErr pair. Every error the core produces is
// one of these kinds; a single conversion layer at internal/httpapi turns a
// Kind into the right OAuth redirect, JSON body, or HTML page (spec §7).
package apperror

import "fmt"

// Kind discriminates the AuthError variants of spec §9/§7.
type Kind string

const (
	KindValidation          Kind = "validation"           // invalid_request, invalid_scope, unsupported_response_type, invalid_authorization_details
	KindClientAuth          Kind = "client_auth"           // invalid_client
	KindLoginRequired       Kind = "login_required"
	KindConsentRequired     Kind = "consent_required"
	KindInteractionRequired Kind = "interaction_required"
	KindInvalidDPoP         Kind = "invalid_dpop_proof"
	KindRequestURI          Kind = "request_uri"           // invalid_request_uri, invalid_request_object, request_uri_not_supported
	KindChallengeInvalid    Kind = "challenge_invalid"      // generic not_found/expired/consumed/type_mismatch
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
	KindConfig              Kind = "config"
	KindDisplayed           Kind = "displayed"              // no valid redirect target; must be rendered to the user agent
)

// Code is the OAuth error code string (RFC 6749 §4.1.2.1 and extensions),
// empty for kinds that don't carry one (Displayed, RateLimited, Config).
type Code string

const (
	CodeInvalidRequest          Code = "invalid_request"
	CodeInvalidScope            Code = "invalid_scope"
	CodeUnsupportedResponseType Code = "unsupported_response_type"
	CodeInvalidAuthDetails      Code = "invalid_authorization_details"
	CodeInvalidClient           Code = "invalid_client"
	CodeLoginRequired           Code = "login_required"
	CodeConsentRequired         Code = "consent_required"
	CodeInteractionRequired     Code = "interaction_required"
	CodeInvalidDPoPProof        Code = "invalid_dpop_proof"
	CodeInvalidRequestURI       Code = "invalid_request_uri"
	CodeInvalidRequestObject    Code = "invalid_request_object"
	CodeRequestURINotSupported  Code = "request_uri_not_supported"
	CodeAccessDenied            Code = "access_denied"
	CodeServerError             Code = "server_error"
	CodeTemporarilyUnavailable  Code = "temporarily_unavailable"
)

// AuthError is the one error type every core component returns.
// RetryAfterSeconds is set only for KindRateLimited. State/Iss are populated by the caller
// that knows the effective redirect target, per spec §7 "state is echoed
// and iss is included to prevent mix-up attacks".
type AuthError struct {
	Kind        Kind
	Code        Code
	Description string // safe to surface to the RP/user; never includes PII or internals

	RetryAfterSeconds int

	// RedirectURI/State/ResponseMode, when set, mean this error CAN be
	// delivered back to the client in its effective response_mode rather
	// than rendered directly (spec §4.2: "delivered as an OAuth error
	// redirect ... errors on an invalid or missing redirect URI ... are
	// rendered to the user agent directly").
	RedirectURI  string
	State        string
	ResponseMode string
}

func (e *AuthError) Error() string {
	if e.Code != "" && e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return string(e.Kind)
}

// Redirectable reports whether this error has a known-good redirect target.
func (e *AuthError) Redirectable() bool {
	return e.RedirectURI != ""
}

// Validation builds a KindValidation error that is redirectable once the
// caller attaches RedirectURI/State.
func Validation(code Code, format string, args ...any) *AuthError {
	return &AuthError{Kind: KindValidation, Code: code, Description: fmt.Sprintf(format, args...)}
}

// Displayed builds an error meant to be rendered directly to the user
// agent (unregistered/invalid redirect_uri or invalid client_id).
func Displayed(format string, args ...any) *AuthError {
	return &AuthError{Kind: KindDisplayed, Description: fmt.Sprintf(format, args...)}
}

// ClientAuthFailed builds the 401 JSON client-authentication error.
func ClientAuthFailed(format string, args ...any) *AuthError {
	return &AuthError{Kind: KindClientAuth, Code: CodeInvalidClient, Description: fmt.Sprintf(format, args...)}
}

// LoginRequired builds the prompt=none negative-response error.
func LoginRequired() *AuthError {
	return &AuthError{Kind: KindLoginRequired, Code: CodeLoginRequired, Description: "Authentication required but prompt=none was specified."}
}

// ConsentRequired builds the prompt=none negative-response error for
// missing/insufficient consent.
func ConsentRequired() *AuthError {
	return &AuthError{Kind: KindConsentRequired, Code: CodeConsentRequired, Description: "Consent required but prompt=none was specified."}
}

// InvalidDPoP builds a DPoP validation failure error.
func InvalidDPoP(format string, args ...any) *AuthError {
	return &AuthError{Kind: KindInvalidDPoP, Code: CodeInvalidDPoPProof, Description: fmt.Sprintf(format, args...)}
}

// ChallengeInvalid builds the uniform error for any challenge/code/OTP
// consume failure, deliberately opaque per spec §4.1.3/§7.
func ChallengeInvalid() *AuthError {
	return &AuthError{Kind: KindChallengeInvalid, Code: CodeInvalidRequest, Description: "The provided code or challenge is invalid or has expired."}
}

// RateLimited builds a 429 error carrying Retry-After.
func RateLimited(retryAfterSeconds int) *AuthError {
	return &AuthError{Kind: KindRateLimited, RetryAfterSeconds: retryAfterSeconds, Description: "Too many requests."}
}

// Internal builds a 500 error whose Description is the fixed, safe message
// returned to callers; the real cause should be logged separately (never
// embedded here, per spec §7 "underlying details never exposed").
func Internal() *AuthError {
	return &AuthError{Kind: KindInternal, Code: CodeServerError, Description: "Internal server error."}
}

// Config builds a configuration error (e.g. missing login/consent UI URL
// outside of conformance mode).
func Config(format string, args ...any) *AuthError {
	return &AuthError{Kind: KindConfig, Description: fmt.Sprintf(format, args...)}
}

// RequestURIError builds a PAR/JAR-related 400 JSON error.
func RequestURIError(code Code, format string, args ...any) *AuthError {
	return &AuthError{Kind: KindRequestURI, Code: code, Description: fmt.Sprintf(format, args...)}
}

// WithRedirect attaches the effective redirect target to an error that was
// built without one, making it redirectable.
func (e *AuthError) WithRedirect(redirectURI, state, responseMode string) *AuthError {
	cp := *e
	cp.RedirectURI = redirectURI
	cp.State = state
	cp.ResponseMode = responseMode
	return &cp
}
