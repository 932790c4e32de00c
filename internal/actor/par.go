package actor

import (
	"context"
	"sync"
	"time"

	"github.com/sgrastar/authrim/internal/model"
)

// PARRequestStore is a single-writer owner of one region/shard's Pushed
// Authorization Request snapshots (spec §4.1.2). Unlike AuthCodeShard, the
// shard/region addressing is encoded in the request_uri itself rather than
// computed from the key (internal/shard.Router.PARAddressFromRequestURI).
type PARRequestStore struct {
	mu       sync.Mutex
	requests map[string]storedPAR
}

type storedPAR struct {
	record   model.PARRequest
	clientID string
}

// NewPARRequestStore constructs an empty store.
func NewPARRequestStore() *PARRequestStore {
	return &PARRequestStore{requests: make(map[string]storedPAR)}
}

// StoreRequest inserts a new PAR snapshot, idempotent on first store;
// a collision on requestUri is an error per spec §4.1.2.
func (p *PARRequestStore) StoreRequest(_ context.Context, rec model.PARRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.requests[rec.RequestURI]; exists {
		return ErrAlreadyExists
	}
	p.requests[rec.RequestURI] = storedPAR{record: rec, clientID: rec.ClientID}
	return nil
}

// ConsumeRequest atomically consumes the stored snapshot, enforcing the
// client_id binding the record set at StoreRequest time (spec §4.1.2:
// "enforces client-id binding if the stored record set one").
func (p *PARRequestStore) ConsumeRequest(_ context.Context, requestURI, clientID string) (model.PARRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp, ok := p.requests[requestURI]
	if !ok {
		return model.PARRequest{}, ErrNotFound
	}
	delete(p.requests, requestURI)

	if time.Now().After(sp.record.Expiry) {
		return model.PARRequest{}, ErrNotFound
	}
	if sp.clientID != "" && clientID != "" && sp.clientID != clientID {
		return model.PARRequest{}, ErrClientMismatch
	}
	return sp.record, nil
}

// GarbageCollect deletes expired PAR requests and returns the count removed.
func (p *PARRequestStore) GarbageCollect(_ context.Context, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for uri, sp := range p.requests {
		if now.After(sp.record.Expiry) {
			delete(p.requests, uri)
			removed++
		}
	}
	return removed
}
