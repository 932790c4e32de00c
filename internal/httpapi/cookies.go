// Cookie helpers for the three cookies spec §"Cookies" names:
// authrim_session, authrim_browser_state, authrim_otp_session. Grounded on
// dex's remember-me GetOrUnsetCookie idiom (internal/remember-me in the
// teacher tree): a cookie operation is either "set this value" or "unset by
// expiring immediately", modeled as one value so a handler can return
// "no change" without a caller having to special-case a nil cookie.
package httpapi

import (
	"net/http"
	"time"
)

// SessionCookieName is the sharded session id cookie (HttpOnly, Secure,
// SameSite configurable per spec).
const SessionCookieName = "authrim_session"

// BrowserStateCookieName is readable by the session-check iframe, so it is
// deliberately not HttpOnly.
const BrowserStateCookieName = "authrim_browser_state"

// OTPSessionCookieName binds an email-OTP verification attempt to the
// browser that requested the code; 5 minute TTL, HttpOnly, SameSite=Lax.
const OTPSessionCookieName = "authrim_otp_session"

// OTPSessionTTL is the email-OTP session cookie's lifetime. It is its own
// constant and shorter than emailotp.CodeTTL (10 minutes); the cookie
// layer does not import the alt-auth package.
const OTPSessionTTL = 5 * time.Minute

// CookiePolicy carries the per-deployment choices the spec leaves open:
// SameSite mode for the session/browser-state pair, and whether the
// deployment terminates TLS at this process (Secure=false only in local
// development).
type CookiePolicy struct {
	SameSite http.SameSite // Lax or None; None requires Secure
	Secure   bool
	Domain   string
}

// GetOrUnsetCookie is either "set this cookie" or "unset this cookie by
// expiring it immediately"; Empty distinguishes "do nothing" from both.
type GetOrUnsetCookie struct {
	cookie *http.Cookie
	unset  bool
}

// Empty reports that neither Set nor Unset was requested.
func (c GetOrUnsetCookie) Empty() bool {
	return !c.unset && c.cookie == nil
}

// Apply writes the cookie operation (set, unset, or nothing) to w.
func (c GetOrUnsetCookie) Apply(w http.ResponseWriter) {
	if c.cookie != nil {
		http.SetCookie(w, c.cookie)
	}
}

func unsetCookie(policy CookiePolicy, name string, httpOnly bool) GetOrUnsetCookie {
	return GetOrUnsetCookie{
		cookie: &http.Cookie{
			Name: name, Path: "/", Domain: policy.Domain,
			MaxAge: -1, Secure: policy.Secure, HttpOnly: httpOnly, SameSite: policy.SameSite,
		},
		unset: true,
	}
}

// SessionCookie builds the authrim_session Set-Cookie for a sharded session
// id with the given TTL.
func SessionCookie(policy CookiePolicy, shardedSessionID string, ttl time.Duration) GetOrUnsetCookie {
	return GetOrUnsetCookie{cookie: &http.Cookie{
		Name: SessionCookieName, Value: shardedSessionID, Path: "/", Domain: policy.Domain,
		MaxAge: int(ttl.Seconds()), Secure: policy.Secure, HttpOnly: true, SameSite: policy.SameSite,
	}}
}

// UnsetSessionCookie clears authrim_session, for logout.
func UnsetSessionCookie(policy CookiePolicy) GetOrUnsetCookie {
	return unsetCookie(policy, SessionCookieName, true)
}

// BrowserStateCookie builds the authrim_browser_state Set-Cookie. It is not
// HttpOnly: the OIDC session-check iframe script reads it directly to
// detect an RP-side vs OP-side session mismatch.
func BrowserStateCookie(policy CookiePolicy, value string, ttl time.Duration) GetOrUnsetCookie {
	return GetOrUnsetCookie{cookie: &http.Cookie{
		Name: BrowserStateCookieName, Value: value, Path: "/", Domain: policy.Domain,
		MaxAge: int(ttl.Seconds()), Secure: policy.Secure, HttpOnly: false, SameSite: policy.SameSite,
	}}
}

// OTPSessionCookie binds an email-OTP challenge id to the browser that
// requested it; always SameSite=Lax regardless of the session cookie's
// policy, since it never needs to be sent cross-site.
func OTPSessionCookie(secure bool, challengeID string) GetOrUnsetCookie {
	return GetOrUnsetCookie{cookie: &http.Cookie{
		Name: OTPSessionCookieName, Value: challengeID, Path: "/",
		MaxAge: int(OTPSessionTTL.Seconds()), Secure: secure, HttpOnly: true, SameSite: http.SameSiteLaxMode,
	}}
}

// ReadCookie returns a cookie's value, or ("", false) if absent.
func ReadCookie(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}
