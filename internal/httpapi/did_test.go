package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/altauth/didauth"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
	"github.com/sgrastar/authrim/internal/shard"
)

const didTestDID = "did:web:example.com"
const didTestKid = didTestDID + "#key-1"

type fakeDIDResolver struct {
	doc didauth.Document
}

func (f *fakeDIDResolver) Resolve(_ context.Context, _ string) (didauth.Document, error) {
	return f.doc, nil
}

func newDIDTestVerifier(t *testing.T) (*didauth.Verifier, *jose.JSONWebKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	privJWK := &jose.JSONWebKey{Key: priv, Algorithm: string(jose.ES256), Use: "sig"}
	pubJWK := &jose.JSONWebKey{Key: &priv.PublicKey, Algorithm: string(jose.ES256), Use: "sig"}

	doc := didauth.Document{
		ID:                  didTestDID,
		VerificationMethods: []didauth.VerificationMethod{{ID: didTestKid, Controller: didTestDID, JWK: pubJWK}},
	}

	v := &didauth.Verifier{
		Challenges: actor.NewChallengeStore(),
		Resolver:   &fakeDIDResolver{doc: doc},
		Identities: actor.NewDIDLinkStore(),
		IssuerURL:  "https://issuer.example.com",
	}
	return v, privJWK
}

func signDIDProof(t *testing.T, priv *jose.JSONWebKey, iss, aud, nonce string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"iss": iss, "aud": aud, "nonce": nonce})
	require.NoError(t, err)
	tok, err := icrypto.SignPayloadWithHeaders(priv, jose.ES256, payload, map[string]any{"kid": didTestKid})
	require.NoError(t, err)
	return tok
}

func TestDIDChallengeHandlerReturnsChallengeID(t *testing.T) {
	v, _ := newDIDTestVerifier(t)
	handler := &DIDChallengeHandler{Verifier: v}

	body, err := json.Marshal(didChallengeRequest{DID: didTestDID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/did/challenge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp didChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ChallengeID)
	require.Equal(t, "https://issuer.example.com", resp.Audience)
}

func TestDIDChallengeHandlerRejectsEmptyDID(t *testing.T) {
	v, _ := newDIDTestVerifier(t)
	handler := &DIDChallengeHandler{Verifier: v}

	body, err := json.Marshal(didChallengeRequest{})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/did/challenge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func newDIDSessionIssuer() *SessionIssuer {
	return &SessionIssuer{
		Sessions: actor.NewSessionStore(),
		Router:   shard.NewRouter(4),
		Policy:   CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true},
	}
}

func TestDIDVerifyHandlerAuthenticatesLinkedDID(t *testing.T) {
	v, priv := newDIDTestVerifier(t)
	require.NoError(t, v.Identities.LinkDID(context.Background(), "user-1", didTestDID))
	sessions := newDIDSessionIssuer()
	handler := &DIDVerifyHandler{Verifier: v, Sessions: sessions}

	_, err := v.Challenge(context.Background(), "chal-1", didTestDID, false)
	require.NoError(t, err)
	ch, _ := v.Challenges.GetChallenge(context.Background(), "chal-1")
	proof := signDIDProof(t, priv, didTestDID, "https://issuer.example.com", ch.Secret)

	body, merr := json.Marshal(didVerifyRequest{ChallengeID: "chal-1", ProofJWS: proof})
	require.NoError(t, merr)
	req := httptest.NewRequest(http.MethodPost, "/did/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
}

func TestDIDVerifyHandlerRejectsUnlinkedDID(t *testing.T) {
	v, priv := newDIDTestVerifier(t)
	sessions := newDIDSessionIssuer()
	handler := &DIDVerifyHandler{Verifier: v, Sessions: sessions}

	_, err := v.Challenge(context.Background(), "chal-1", didTestDID, false)
	require.NoError(t, err)
	ch, _ := v.Challenges.GetChallenge(context.Background(), "chal-1")
	proof := signDIDProof(t, priv, didTestDID, "https://issuer.example.com", ch.Secret)

	body, merr := json.Marshal(didVerifyRequest{ChallengeID: "chal-1", ProofJWS: proof})
	require.NoError(t, merr)
	req := httptest.NewRequest(http.MethodPost, "/did/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotEqual(t, http.StatusNoContent, rec.Code)
}

func TestDIDVerifyHandlerRegistrationRequiresExistingSession(t *testing.T) {
	v, priv := newDIDTestVerifier(t)
	sessions := newDIDSessionIssuer()
	handler := &DIDVerifyHandler{Verifier: v, Sessions: sessions}

	_, err := v.Challenge(context.Background(), "chal-1", didTestDID, true)
	require.NoError(t, err)
	ch, _ := v.Challenges.GetChallenge(context.Background(), "chal-1")
	proof := signDIDProof(t, priv, didTestDID, "https://issuer.example.com", ch.Secret)

	body, merr := json.Marshal(didVerifyRequest{ChallengeID: "chal-1", ProofJWS: proof, Register: true})
	require.NoError(t, merr)
	req := httptest.NewRequest(http.MethodPost, "/did/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDIDVerifyHandlerRegistrationLinksDIDToActiveSession(t *testing.T) {
	v, priv := newDIDTestVerifier(t)
	sessions := newDIDSessionIssuer()
	handler := &DIDVerifyHandler{Verifier: v, Sessions: sessions}

	sess := model.Session{ID: "1_session_abc", UserID: "user-1"}
	require.NoError(t, sessions.Sessions.CreateSession(context.Background(), sess, time.Hour))

	_, err := v.Challenge(context.Background(), "chal-1", didTestDID, true)
	require.NoError(t, err)
	ch, _ := v.Challenges.GetChallenge(context.Background(), "chal-1")
	proof := signDIDProof(t, priv, didTestDID, "https://issuer.example.com", ch.Secret)

	body, merr := json.Marshal(didVerifyRequest{ChallengeID: "chal-1", ProofJWS: proof, Register: true})
	require.NoError(t, merr)
	req := httptest.NewRequest(http.MethodPost, "/did/verify", bytes.NewReader(body))
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.ID})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	userID, ok, lerr := v.Identities.LookupByDID(context.Background(), didTestDID)
	require.NoError(t, lerr)
	require.True(t, ok)
	require.Equal(t, "user-1", userID)
}
