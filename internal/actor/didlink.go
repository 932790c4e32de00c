package actor

import (
	"context"
	"sync"
)

// DIDLinkStore maps a verified DID to the local user id it authenticates as,
// the actor-local store behind didauth.IdentityLinker. One DID links to at
// most one user; one user may have multiple linked DIDs.
type DIDLinkStore struct {
	mu       sync.Mutex
	byDID    map[string]string
	byUserID map[string][]string // userID -> dids, insertion order
}

// NewDIDLinkStore constructs an empty store.
func NewDIDLinkStore() *DIDLinkStore {
	return &DIDLinkStore{
		byDID:    make(map[string]string),
		byUserID: make(map[string][]string),
	}
}

// LookupByDID returns the linked user id, if any.
func (s *DIDLinkStore) LookupByDID(_ context.Context, did string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byDID[did]
	return userID, ok, nil
}

// LinkDID associates did with userID, idempotent on repeat calls for the
// same pair. Linking a DID already linked to a different user overwrites
// the link, the same last-writer-wins posture SessionStore.CreateSession
// takes on session id collision.
func (s *DIDLinkStore) LinkDID(_ context.Context, userID, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byDID[did]
	if ok && existing == userID {
		return nil
	}
	if ok {
		dids := s.byUserID[existing]
		for i, d := range dids {
			if d == did {
				s.byUserID[existing] = append(dids[:i], dids[i+1:]...)
				break
			}
		}
	}
	s.byDID[did] = userID
	s.byUserID[userID] = append(s.byUserID[userID], did)
	return nil
}

// ListDIDs returns every DID linked to userID.
func (s *DIDLinkStore) ListDIDs(_ context.Context, userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.byUserID[userID]))
	copy(out, s.byUserID[userID])
	return out
}
