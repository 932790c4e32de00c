package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sgrastar/authrim/internal/altauth/didauth"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// DIDChallengeHandler serves `/api/auth/dids/challenge` (spec §4.5): resolves the
// caller's DID and parks a nonce challenge the caller must sign to prove
// control of it. Mirrors the passkey/email-OTP "begin" step's shape (parked
// Challenge, opaque challenge id returned to the caller).
type DIDChallengeHandler struct {
	Verifier *didauth.Verifier
}

type didChallengeRequest struct {
	DID      string `json:"did"`
	Register bool   `json:"register"`
}

type didChallengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	Audience    string `json:"aud"`
}

func (h *DIDChallengeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req didChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DID == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	challengeID := icrypto.NewID()
	if _, err := h.Verifier.Challenge(r.Context(), challengeID, req.DID, req.Register); err != nil {
		http.Error(w, "unable to resolve did", http.StatusBadRequest)
		return
	}
	ch, ok := h.Verifier.Challenges.GetChallenge(r.Context(), challengeID)
	if !ok {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(didChallengeResponse{
		ChallengeID: challengeID,
		Nonce:       ch.Secret,
		Audience:    h.Verifier.IssuerURL,
	})
}

// DIDVerifyHandler serves `/api/auth/dids/verify`: consumes the signed proof JWS and,
// on success, either establishes a new Session (authentication) or links
// the DID to the caller's already-authenticated Session (registration).
type DIDVerifyHandler struct {
	Verifier *didauth.Verifier
	Sessions *SessionIssuer
}

type didVerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	ProofJWS    string `json:"proof_jws"`
	Register    bool   `json:"register"`
}

func (h *DIDVerifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req didVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" || req.ProofJWS == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	var linkUserID string
	if req.Register {
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
		linkUserID = sess.UserID
	}

	userID, aerr := h.Verifier.Verify(r.Context(), req.ChallengeID, req.ProofJWS, req.Register, linkUserID)
	if aerr != nil {
		WriteAuthError(w, r, aerr)
		return
	}

	if req.Register {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.Sessions.Issue(r.Context(), w, userID, model.AMRDID); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
