// Package actor implements the six single-writer ephemeral-state actor
// kinds of spec §4.1: AuthCodeShard, PARRequestStore, ChallengeStore,
// SessionStore, RateLimiter, KeyManager. Each actor serializes its own
// mutations behind a mutex, grounded on dex's storage/memory tx() pattern —
// no cross-actor lock is ever held, and every operation is idempotent or
// explicitly single-use.
package actor

import "errors"

var (
	// ErrNotFound is returned when a key has no record (never existed, or
	// was already consumed/expired/deleted).
	ErrNotFound = errors.New("actor: not found")

	// ErrAlreadyExists is returned by a store operation when the key is
	// already occupied (PAR/challenge/code "fails if it exists" rule).
	ErrAlreadyExists = errors.New("actor: already exists")

	// ErrChallengeInvalid is the single generic error returned by
	// ChallengeStore.ConsumeChallenge for any of not_found/expired/already_consumed/
	// type_mismatch, per spec §4.1.3 — distinguishing these to a caller
	// would let an attacker enumerate challenge state.
	ErrChallengeInvalid = errors.New("actor: challenge invalid")

	// ErrClientMismatch is returned when a PAR request is consumed by a
	// client_id different from the one that created it.
	ErrClientMismatch = errors.New("actor: client_id mismatch")
)
