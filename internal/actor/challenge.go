package actor

import (
	"context"
	"sync"
	"time"

	"github.com/sgrastar/authrim/internal/model"
)

// ChallengeStore is a single-writer owner of one shard's Challenge
// snapshots (spec §4.1.3). Consume is security-critical: it collapses
// not_found/expired/already_consumed/type_mismatch into one generic error
// so a caller cannot enumerate which case occurred.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]model.Challenge
}

// NewChallengeStore constructs an empty store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]model.Challenge)}
}

// StoreChallenge inserts a new challenge, failing if the id exists.
func (c *ChallengeStore) StoreChallenge(_ context.Context, ch model.Challenge) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.challenges[ch.ID]; exists {
		return ErrAlreadyExists
	}
	c.challenges[ch.ID] = ch
	return nil
}

// GetChallenge is a non-consuming peek, used to render client-display
// metadata on login pages (spec §4.1.3).
func (c *ChallengeStore) GetChallenge(_ context.Context, id string) (model.Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.challenges[id]
	if !ok || ch.Consumed || time.Now().After(ch.Expiry) {
		return model.Challenge{}, false
	}
	return ch, true
}

// ConsumeChallenge atomically consumes a challenge, checking id, type, and
// expiry together and returning ErrChallengeInvalid uniformly on any
// mismatch.
func (c *ChallengeStore) ConsumeChallenge(_ context.Context, id string, wantType model.ChallengeType) (model.Challenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.challenges[id]
	if !ok {
		return model.Challenge{}, ErrChallengeInvalid
	}
	// Delete eagerly: a challenge is single-use regardless of why this
	// consume attempt fails, so a retried attacker request can't probe state.
	delete(c.challenges, id)

	if ch.Consumed || time.Now().After(ch.Expiry) || ch.Type != wantType {
		return model.Challenge{}, ErrChallengeInvalid
	}
	ch.Consumed = true
	return ch, nil
}

// DeleteChallenge removes a challenge unconditionally (e.g. when a flow is
// abandoned).
func (c *ChallengeStore) DeleteChallenge(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.challenges, id)
}

// GarbageCollect deletes expired challenges and returns the count removed.
func (c *ChallengeStore) GarbageCollect(_ context.Context, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, ch := range c.challenges {
		if now.After(ch.Expiry) {
			delete(c.challenges, id)
			removed++
		}
	}
	return removed
}
