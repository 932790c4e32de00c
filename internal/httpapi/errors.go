// Package httpapi is the HTTP boundary: it turns internal/apperror.AuthError
// values into the right wire shape (OAuth redirect, JSON body, or rendered
// HTML page), owns cookies, and wires the gorilla/mux router dex's
// server/handlers.go builds by hand onto this module's actor/authzfsm
// core. Grounded on dex's server/oauth2.go writeAuthError/tokenErrHelper
// pair, generalized into a single dispatch over apperror.Kind (spec §7:
// "one conversion layer").
package httpapi

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sgrastar/authrim/internal/apperror"
)

// WriteAuthError renders err the way spec §7 requires: redirect when a
// target is known, otherwise a displayed HTML page; client-auth/rate-limit/
// internal errors are always JSON with the matching status code.
func WriteAuthError(w http.ResponseWriter, r *http.Request, err *apperror.AuthError) {
	switch err.Kind {
	case apperror.KindClientAuth:
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	case apperror.KindRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
		writeJSONError(w, http.StatusTooManyRequests, err)
		return
	case apperror.KindInternal, apperror.KindConfig:
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	case apperror.KindRequestURI, apperror.KindChallengeInvalid:
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	if err.Redirectable() {
		redirectAuthError(w, r, err)
		return
	}
	writeDisplayedError(w, err)
}

func writeJSONError(w http.ResponseWriter, status int, err *apperror.AuthError) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	body := map[string]string{"error": string(err.Code)}
	if err.Description != "" {
		body["error_description"] = err.Description
	}
	_ = json.NewEncoder(w).Encode(body)
}

// redirectAuthError delivers err to RedirectURI in ResponseMode, per spec
// §4.2/§7, sharing the result-parameter assembly the success path uses.
func redirectAuthError(w http.ResponseWriter, r *http.Request, err *apperror.AuthError) {
	params := map[string]string{"error": string(err.Code)}
	if err.Description != "" {
		params["error_description"] = err.Description
	}
	if err.State != "" {
		params["state"] = err.State
	}
	deliverResponseParams(w, r, err.RedirectURI, err.ResponseMode, params)
}

// deliverResponseParams assembles params into redirectURI per mode (query,
// fragment, or form_post) and writes the redirect/page. No JARM envelope
// is built on either path: a *.jwt or bare jwt mode falls through to the
// default branch and the parameters are delivered unsigned in the query.
func deliverResponseParams(w http.ResponseWriter, r *http.Request, redirectURI, mode string, params map[string]string) {
	switch mode {
	case "form_post":
		writeFormPost(w, redirectURI, params)
		return
	case "fragment":
		u, _ := url.Parse(redirectURI)
		frag := url.Values{}
		for k, v := range params {
			frag.Set(k, v)
		}
		u.Fragment = frag.Encode()
		http.Redirect(w, r, u.String(), http.StatusFound)
		return
	default: // "query" and unset
		u, _ := url.Parse(redirectURI)
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		http.Redirect(w, r, u.String(), http.StatusFound)
		return
	}
}

func writeFormPost(w http.ResponseWriter, redirectURI string, params map[string]string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>Submit</title></head><body onload="document.forms[0].submit()"><form method="post" action="%s">`, html.EscapeString(redirectURI))
	for k, v := range params {
		fmt.Fprintf(w, `<input type="hidden" name="%s" value="%s">`, html.EscapeString(k), html.EscapeString(v))
	}
	fmt.Fprint(w, `</form></body></html>`)
}

func writeDisplayedError(w http.ResponseWriter, err *apperror.AuthError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>Error</title></head><body><h1>Unable to complete request</h1><p>%s</p></body></html>`, html.EscapeString(err.Description))
}
