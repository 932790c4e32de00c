package actor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sgrastar/authrim/internal/model"
)

// AuthCodeConfig holds the reloadable tunables spec §4.1.1 requires:
// code TTL and the per-(user,client) cap before eviction of the oldest code.
type AuthCodeConfig struct {
	TTL             time.Duration
	MaxCodesPerUser int
}

// DefaultAuthCodeConfig matches spec §3: TTL 600s, a conservative cap to
// bound unbounded growth from a misbehaving client.
func DefaultAuthCodeConfig() AuthCodeConfig {
	return AuthCodeConfig{TTL: 600 * time.Second, MaxCodesPerUser: 5}
}

// AuthCodeShard is a single-writer owner of one shard's authorization codes.
// Grounded on dex's storage/memory memStorage: a mutex-guarded map with all
// mutations funneled through one serialize point.
type AuthCodeShard struct {
	mu     sync.Mutex
	codes  map[string]storedCode
	byUser map[userClientKey][]string // ordered oldest-first, for eviction

	cfg AuthCodeConfig
}

type userClientKey struct {
	userID, clientID string
}

type storedCode struct {
	record model.AuthorizationCode
	stored time.Time
}

// NewAuthCodeShard constructs an empty shard with the given config.
func NewAuthCodeShard(cfg AuthCodeConfig) *AuthCodeShard {
	return &AuthCodeShard{
		codes:  make(map[string]storedCode),
		byUser: make(map[userClientKey][]string),
		cfg:    cfg,
	}
}

// StoreCode inserts a new authorization code, failing if the code string is
// already occupied. When the (user, client) pair already holds
// MaxCodesPerUser codes, the oldest is evicted first.
func (a *AuthCodeShard) StoreCode(_ context.Context, rec model.AuthorizationCode) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.codes[rec.Code]; exists {
		return ErrAlreadyExists
	}

	key := userClientKey{rec.UserID, rec.ClientID}
	if rec.Expiry.IsZero() {
		rec.Expiry = time.Now().Add(a.cfg.TTL)
	}
	a.codes[rec.Code] = storedCode{record: rec, stored: time.Now()}
	a.byUser[key] = append(a.byUser[key], rec.Code)

	if max := a.cfg.MaxCodesPerUser; max > 0 && len(a.byUser[key]) > max {
		evict := a.byUser[key][0]
		a.byUser[key] = a.byUser[key][1:]
		delete(a.codes, evict)
	}
	return nil
}

// ConsumeCode atomically reads and deletes the code, returning ErrNotFound
// if it never existed, already expired, or was already consumed.
func (a *AuthCodeShard) ConsumeCode(_ context.Context, code string) (model.AuthorizationCode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sc, ok := a.codes[code]
	if !ok {
		return model.AuthorizationCode{}, ErrNotFound
	}
	delete(a.codes, code)
	a.removeFromIndex(sc.record.UserID, sc.record.ClientID, code)

	if time.Now().After(sc.record.Expiry) {
		return model.AuthorizationCode{}, ErrNotFound
	}
	return sc.record, nil
}

func (a *AuthCodeShard) removeFromIndex(userID, clientID, code string) {
	key := userClientKey{userID, clientID}
	list := a.byUser[key]
	for i, c := range list {
		if c == code {
			a.byUser[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(a.byUser[key]) == 0 {
		delete(a.byUser, key)
	}
}

// Status reports liveness/warm-up information: the stored code count and the
// oldest stored code's age (codes past expiry but not yet garbage-collected
// are included in both).
type Status struct {
	LiveCount int
	OldestAge time.Duration
}

// GetStatus implements spec §4.1.1 getStatus(): liveness / warm-up.
func (a *AuthCodeShard) GetStatus(_ context.Context) Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{LiveCount: len(a.codes)}
	oldest := time.Now()
	for _, sc := range a.codes {
		if sc.stored.Before(oldest) {
			oldest = sc.stored
		}
	}
	if len(a.codes) > 0 {
		st.OldestAge = time.Since(oldest)
	}
	return st
}

// ReloadConfig implements spec §4.1.1 reloadConfig(): pick up new TTL / cap
// values, returning the previous and current config for observability.
func (a *AuthCodeShard) ReloadConfig(_ context.Context, cfg AuthCodeConfig) (previous, current AuthCodeConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	previous = a.cfg
	if cfg.TTL > 0 {
		a.cfg.TTL = cfg.TTL
	}
	if cfg.MaxCodesPerUser > 0 {
		a.cfg.MaxCodesPerUser = cfg.MaxCodesPerUser
	}
	return previous, a.cfg
}

// GarbageCollect deletes expired codes and returns the count removed,
// mirroring dex's memStorage.GarbageCollect sweep.
func (a *AuthCodeShard) GarbageCollect(_ context.Context, now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var removed []string
	for code, sc := range a.codes {
		if now.After(sc.record.Expiry) {
			removed = append(removed, code)
		}
	}
	sort.Strings(removed) // deterministic order for tests
	for _, code := range removed {
		sc := a.codes[code]
		delete(a.codes, code)
		a.removeFromIndex(sc.record.UserID, sc.record.ClientID, code)
	}
	return len(removed)
}
