// Package passkey implements WebAuthn/FIDO2 passkey registration and
// authentication (spec §4.5) on top of go-webauthn/webauthn, storing the
// ceremony's SessionData in a passkey_registration/passkey_authentication
// Challenge rather than the library's in-memory default, so it survives
// across the sharded, single-writer actor model (spec §4.1).
package passkey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/apperror"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// CeremonyTTL bounds how long a registration/authentication ceremony stays
// open before the Challenge expires.
const CeremonyTTL = 300 * time.Second

// CredentialStore persists WebAuthn credentials per user. MemoryStore is
// the store this package ships with; a relational-backed implementation
// can satisfy the same interface when one exists.
type CredentialStore interface {
	CredentialsFor(ctx context.Context, userID string) ([]webauthn.Credential, error)
	SaveCredential(ctx context.Context, userID string, cred webauthn.Credential) error
	UserByID(ctx context.Context, userID string) (User, error)
	UserByCredentialID(ctx context.Context, credentialID []byte) (User, error)
}

// User adapts a local account to webauthn.User.
type User struct {
	ID          string
	DisplayName string
	Credentials []webauthn.Credential
}

func (u User) WebAuthnID() []byte                         { return []byte(u.ID) }
func (u User) WebAuthnName() string                       { return u.DisplayName }
func (u User) WebAuthnDisplayName() string                { return u.DisplayName }
func (u User) WebAuthnCredentials() []webauthn.Credential { return u.Credentials }
func (u User) WebAuthnIcon() string                       { return "" }

// Manager drives the registration and authentication ceremonies.
type Manager struct {
	WebAuthn   *webauthn.WebAuthn
	Challenges *actor.ChallengeStore
	Store      CredentialStore

	Now func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// BeginRegistration starts a registration ceremony for an already
// authenticated user (the session established the identity; passkey
// registration only adds a second factor / passwordless credential).
func (m *Manager) BeginRegistration(ctx context.Context, challengeID, userID, displayName string) (*protocol.CredentialCreation, error) {
	existing, err := m.Store.CredentialsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("passkey: loading existing credentials: %w", err)
	}
	user := User{ID: userID, DisplayName: displayName, Credentials: existing}

	creation, sessionData, err := m.WebAuthn.BeginRegistration(user)
	if err != nil {
		return nil, fmt.Errorf("passkey: beginning registration: %w", err)
	}
	if err := m.storeSession(ctx, challengeID, model.ChallengePasskeyRegistration, userID, sessionData); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration consumes the challenge and validates the attestation
// response, persisting the new credential on success.
func (m *Manager) FinishRegistration(ctx context.Context, challengeID string, rawResponse json.RawMessage) *apperror.AuthError {
	ch, sessionData, userID, cerr := m.consumeSession(ctx, challengeID, model.ChallengePasskeyRegistration)
	if cerr != nil {
		return cerr
	}
	_ = ch

	parsed, err := protocol.ParseCredentialCreationResponseBody(jsonReader(rawResponse))
	if err != nil {
		return apperror.ChallengeInvalid()
	}

	existing, err := m.Store.CredentialsFor(ctx, userID)
	if err != nil {
		return apperror.Internal()
	}
	user := User{ID: userID, Credentials: existing}

	cred, err := m.WebAuthn.CreateCredential(user, *sessionData, parsed)
	if err != nil {
		return apperror.ChallengeInvalid()
	}
	if err := m.Store.SaveCredential(ctx, userID, *cred); err != nil {
		return apperror.Internal()
	}
	return nil
}

// BeginAuthentication starts a login ceremony. userID is empty for a
// resident-key/usernameless flow where the authenticator itself identifies
// the credential.
func (m *Manager) BeginAuthentication(ctx context.Context, challengeID, userID string) (*protocol.CredentialAssertion, error) {
	var (
		assertion   *protocol.CredentialAssertion
		sessionData *webauthn.SessionData
		err         error
	)
	if userID == "" {
		assertion, sessionData, err = m.WebAuthn.BeginDiscoverableLogin()
	} else {
		var user User
		user, err = m.Store.UserByID(ctx, userID)
		if err == nil {
			assertion, sessionData, err = m.WebAuthn.BeginLogin(user)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("passkey: beginning authentication: %w", err)
	}
	if err := m.storeSession(ctx, challengeID, model.ChallengePasskeyAuthentication, userID, sessionData); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishAuthentication consumes the challenge and validates the assertion,
// returning the authenticated user id.
func (m *Manager) FinishAuthentication(ctx context.Context, challengeID string, rawResponse json.RawMessage) (userID string, aerr *apperror.AuthError) {
	_, sessionData, chUserID, cerr := m.consumeSession(ctx, challengeID, model.ChallengePasskeyAuthentication)
	if cerr != nil {
		return "", cerr
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(jsonReader(rawResponse))
	if err != nil {
		return "", apperror.ChallengeInvalid()
	}

	if chUserID == "" {
		resolved, err := m.Store.UserByCredentialID(ctx, parsed.RawID)
		if err != nil {
			return "", apperror.ChallengeInvalid()
		}
		_, err = m.WebAuthn.ValidateDiscoverableLogin(func(rawID, userHandle []byte) (webauthn.User, error) {
			return resolved, nil
		}, *sessionData, parsed)
		if err != nil {
			return "", apperror.ChallengeInvalid()
		}
		return resolved.ID, nil
	}

	user, err := m.Store.UserByID(ctx, chUserID)
	if err != nil {
		return "", apperror.ChallengeInvalid()
	}
	if _, err := m.WebAuthn.ValidateLogin(user, *sessionData, parsed); err != nil {
		return "", apperror.ChallengeInvalid()
	}
	return chUserID, nil
}

func (m *Manager) storeSession(ctx context.Context, challengeID string, typ model.ChallengeType, userID string, sessionData *webauthn.SessionData) error {
	blob, err := json.Marshal(sessionData)
	if err != nil {
		return fmt.Errorf("passkey: marshaling session data: %w", err)
	}
	ch := model.Challenge{
		ID:     challengeID,
		Type:   typ,
		UserID: userID,
		Secret: string(blob),
		Expiry: m.now().Add(CeremonyTTL),
	}
	if err := m.Challenges.StoreChallenge(ctx, ch); err != nil {
		return fmt.Errorf("passkey: storing challenge: %w", err)
	}
	return nil
}

func (m *Manager) consumeSession(ctx context.Context, challengeID string, typ model.ChallengeType) (model.Challenge, *webauthn.SessionData, string, *apperror.AuthError) {
	ch, err := m.Challenges.ConsumeChallenge(ctx, challengeID, typ)
	if err != nil {
		return model.Challenge{}, nil, "", apperror.ChallengeInvalid()
	}
	var sessionData webauthn.SessionData
	if err := json.Unmarshal([]byte(ch.Secret), &sessionData); err != nil {
		return model.Challenge{}, nil, "", apperror.ChallengeInvalid()
	}
	return ch, &sessionData, ch.UserID, nil
}

// jsonReader adapts a json.RawMessage to the io.Reader the go-webauthn
// parse functions expect (they read an *http.Request body).
func jsonReader(raw json.RawMessage) io.Reader {
	return bytes.NewReader(raw)
}

// NewHMACKeyID derives a stable, opaque per-credential identifier prefix
// used in logs (never the raw credential ID, which is considered PII-
// adjacent per spec §4.5's "full DID" non-logging rule extended to
// credential identifiers).
func NewHMACKeyID(key, credentialID []byte) string {
	return icrypto.SHA256Hash(string(key) + string(credentialID))
}
