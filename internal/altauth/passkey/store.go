package passkey

import (
	"context"
	"errors"
	"sync"

	"github.com/go-webauthn/webauthn/webauthn"
)

// ErrUserNotFound is returned when a lookup names a user id (or credential
// id) MemoryStore has never seen.
var ErrUserNotFound = errors.New("passkey: user not found")

// MemoryStore is the in-memory CredentialStore this server ships with: one
// credential slice per user plus a reverse index from credential id to
// user id for the usernameless/discoverable login path.
type MemoryStore struct {
	mu            sync.Mutex
	displayNames  map[string]string
	credsByUser   map[string][]webauthn.Credential
	userByCredKey map[string]string // string(credential.ID) -> userID
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		displayNames:  make(map[string]string),
		credsByUser:   make(map[string][]webauthn.Credential),
		userByCredKey: make(map[string]string),
	}
}

// SetDisplayName records the display name a registration ceremony should
// present to the authenticator, before BeginRegistration is called.
func (s *MemoryStore) SetDisplayName(userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayNames[userID] = displayName
}

func (s *MemoryStore) CredentialsFor(_ context.Context, userID string) ([]webauthn.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.credsByUser[userID]
	out := make([]webauthn.Credential, len(existing))
	copy(out, existing)
	return out, nil
}

// SaveCredential appends cred to userID's credential set and indexes it by
// credential id, overwriting any prior owner of that id.
func (s *MemoryStore) SaveCredential(_ context.Context, userID string, cred webauthn.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credsByUser[userID] = append(s.credsByUser[userID], cred)
	s.userByCredKey[string(cred.ID)] = userID
	return nil
}

func (s *MemoryStore) UserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, hasCreds := s.credsByUser[userID]
	name, hasName := s.displayNames[userID]
	if !hasCreds && !hasName {
		return User{}, ErrUserNotFound
	}
	out := make([]webauthn.Credential, len(creds))
	copy(out, creds)
	return User{ID: userID, DisplayName: name, Credentials: out}, nil
}

func (s *MemoryStore) UserByCredentialID(ctx context.Context, credentialID []byte) (User, error) {
	s.mu.Lock()
	userID, ok := s.userByCredKey[string(credentialID)]
	s.mu.Unlock()
	if !ok {
		return User{}, ErrUserNotFound
	}
	return s.UserByID(ctx, userID)
}
