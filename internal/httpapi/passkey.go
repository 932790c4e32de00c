package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sgrastar/authrim/internal/altauth/passkey"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// PasskeyRegisterBeginHandler serves `/api/auth/passkeys/register/options`: starts a
// WebAuthn registration ceremony for the already-authenticated caller (a
// passkey is a second credential on an existing account, never a way to
// create one).
type PasskeyRegisterBeginHandler struct {
	Manager  *passkey.Manager
	Store    *passkey.MemoryStore
	Sessions *SessionIssuer
}

type passkeyRegisterBeginRequest struct {
	DisplayName string `json:"display_name"`
}

type passkeyCeremonyResponse struct {
	ChallengeID string `json:"challenge_id"`
	Options     any    `json:"options"`
}

func (h *PasskeyRegisterBeginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ReadCookie(r, SessionCookieName)
	if !ok {
		http.Error(w, "registration requires an authenticated session", http.StatusUnauthorized)
		return
	}
	sess, ok := h.Sessions.Sessions.GetSession(r.Context(), sessionID)
	if !ok {
		http.Error(w, "registration requires an authenticated session", http.StatusUnauthorized)
		return
	}

	var req passkeyRegisterBeginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.DisplayName != "" {
		h.Store.SetDisplayName(sess.UserID, req.DisplayName)
	}

	challengeID := icrypto.NewID()
	creation, err := h.Manager.BeginRegistration(r.Context(), challengeID, sess.UserID, req.DisplayName)
	if err != nil {
		http.Error(w, "unable to begin registration", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(passkeyCeremonyResponse{ChallengeID: challengeID, Options: creation})
}

// PasskeyRegisterFinishHandler serves `/api/auth/passkeys/register/verify`: validates
// the attestation response and persists the new credential.
type PasskeyRegisterFinishHandler struct {
	Manager *passkey.Manager
}

type passkeyFinishRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Response    json.RawMessage `json:"response"`
}

func (h *PasskeyRegisterFinishHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req passkeyFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	if aerr := h.Manager.FinishRegistration(r.Context(), req.ChallengeID, req.Response); aerr != nil {
		WriteAuthError(w, r, aerr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PasskeyLoginBeginHandler serves `/api/auth/passkeys/login/options`. UserID is
// optional: omitted, this starts a discoverable/usernameless ceremony that
// the authenticator itself resolves to a credential.
type PasskeyLoginBeginHandler struct {
	Manager *passkey.Manager
}

type passkeyLoginBeginRequest struct {
	UserID string `json:"user_id"`
}

func (h *PasskeyLoginBeginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginBeginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	challengeID := icrypto.NewID()
	assertion, err := h.Manager.BeginAuthentication(r.Context(), challengeID, req.UserID)
	if err != nil {
		http.Error(w, "unable to begin authentication", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(passkeyCeremonyResponse{ChallengeID: challengeID, Options: assertion})
}

// PasskeyLoginFinishHandler serves `/api/auth/passkeys/login/verify`: validates the
// assertion and, on success, issues a new browser Session.
type PasskeyLoginFinishHandler struct {
	Manager  *passkey.Manager
	Sessions *SessionIssuer
}

func (h *PasskeyLoginFinishHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req passkeyFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	userID, aerr := h.Manager.FinishAuthentication(r.Context(), req.ChallengeID, req.Response)
	if aerr != nil {
		WriteAuthError(w, r, aerr)
		return
	}

	if err := h.Sessions.Issue(r.Context(), w, userID, model.AMRPasskey); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
