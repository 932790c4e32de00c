package httpapi

import (
	"net/http"

	"github.com/sgrastar/authrim/internal/logout"
)

// LogoutHandler serves GET /logout: validates post_logout_redirect_uri
// against client_id's registered redirect URIs, runs the Coordinator, and
// clears the session cookie regardless of back-channel delivery outcome
// (spec §4.6). It then redirects to post_logout_redirect_uri when one was
// given, in which case no front-channel iframes are loaded; otherwise it
// renders the front-channel iframe page.
type LogoutHandler struct {
	Coordinator *logout.Coordinator
	Clients     ClientLookup
	Policy      CookiePolicy
}

func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ReadCookie(r, SessionCookieName)
	if !ok {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(logout.RenderFrontChannelPage(nil)))
		return
	}

	postLogoutRedirectURI := r.URL.Query().Get("post_logout_redirect_uri")
	if postLogoutRedirectURI != "" {
		client, err := h.Clients.GetClient(r.Context(), r.URL.Query().Get("client_id"))
		if err != nil || !logout.ValidateLogoutRequest(client, postLogoutRedirectURI) {
			WriteAuthError(w, r, logout.GenericLogoutError())
			return
		}
	}

	plan, err := h.Coordinator.Logout(r.Context(), sessionID)
	if err != nil {
		WriteAuthError(w, r, logout.GenericLogoutError())
		return
	}

	UnsetSessionCookie(h.Policy).Apply(w)

	if postLogoutRedirectURI != "" {
		http.Redirect(w, r, postLogoutRedirectURI, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(logout.RenderFrontChannelPage(plan.FrontChannel)))
}
