package actor

import (
	"context"
	"sync"
)

// AssociationStore tracks which (session, client) pairs have had tokens
// issued, so the logout coordinator can enumerate RPs to notify (spec §3
// SessionClientAssociation, §4.6).
type AssociationStore struct {
	mu    sync.Mutex
	byKey map[[2]string]struct{}
	bySID map[string][]string // sessionID -> clientIDs, insertion order
}

// NewAssociationStore constructs an empty store.
func NewAssociationStore() *AssociationStore {
	return &AssociationStore{
		byKey: make(map[[2]string]struct{}),
		bySID: make(map[string][]string),
	}
}

// Record registers the (sessionID, clientID) pair, idempotent on repeat
// calls for the same pair.
func (a *AssociationStore) Record(_ context.Context, sessionID, clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := [2]string{sessionID, clientID}
	if _, ok := a.byKey[key]; ok {
		return
	}
	a.byKey[key] = struct{}{}
	a.bySID[sessionID] = append(a.bySID[sessionID], clientID)
}

// ListClients returns every clientID associated with sessionID.
func (a *AssociationStore) ListClients(_ context.Context, sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, len(a.bySID[sessionID]))
	copy(out, a.bySID[sessionID])
	return out
}

// DeleteSession removes every association for sessionID, at session
// termination.
func (a *AssociationStore) DeleteSession(_ context.Context, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, clientID := range a.bySID[sessionID] {
		delete(a.byKey, [2]string{sessionID, clientID})
	}
	delete(a.bySID, sessionID)
}
