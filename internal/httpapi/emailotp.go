package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sgrastar/authrim/internal/altauth/emailotp"
	"github.com/sgrastar/authrim/internal/apperror"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// EmailCodeSendHandler serves `/api/auth/email-codes/send` (spec §4.5, §6):
// mails a fresh one-time code to the given address and parks its digest as
// a Challenge, mirroring did.go's DIDChallengeHandler begin-step shape.
type EmailCodeSendHandler struct {
	Sender *emailotp.Sender
}

type emailCodeSendRequest struct {
	Email string `json:"email"`
}

type emailCodeSendResponse struct {
	ChallengeID string `json:"challenge_id"`
}

func (h *EmailCodeSendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req emailCodeSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	challengeID := icrypto.NewID()
	if err := h.Sender.Send(r.Context(), challengeID, req.Email); err != nil {
		var aerr *apperror.AuthError
		if errors.As(err, &aerr) {
			WriteAuthError(w, r, aerr)
			return
		}
		WriteAuthError(w, r, apperror.Internal())
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(emailCodeSendResponse{ChallengeID: challengeID})
}

// EmailCodeVerifyHandler serves `/api/auth/email-codes/verify`: consumes
// the challenge and, on success, establishes a Session with AMR "otp",
// mirroring did.go's DIDVerifyHandler finish-step shape.
type EmailCodeVerifyHandler struct {
	Verifier *emailotp.Verifier
	Sessions *SessionIssuer
}

type emailCodeVerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

func (h *EmailCodeVerifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req emailCodeVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" || req.Code == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	email, aerr := h.Verifier.Verify(r.Context(), req.ChallengeID, req.Code)
	if aerr != nil {
		WriteAuthError(w, r, aerr)
		return
	}

	if err := h.Sessions.Issue(r.Context(), w, email, model.AMROTP); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
