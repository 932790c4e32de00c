package actor

import (
	"context"
	"sync"
	"time"

	"github.com/sgrastar/authrim/internal/model"
)

// DurableBackend persists SessionStore's records to a shared store, so a
// shard that restarts (or is rescheduled to a different node) recovers its
// in-flight sessions at startup instead of forcing every RP to
// re-authenticate. Implemented by internal/actor/etcdshard and
// internal/actor/redisshard; nil when no durable backend is configured.
type DurableBackend interface {
	Put(ctx context.Context, sess model.Session) error
	Get(ctx context.Context, id string) (model.Session, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.Session, error)
}

// SessionStore is a single-writer owner of one shard's browser sessions
// (spec §4.1.4).
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]model.Session

	// Durable, when set, mirrors every write so a replacement shard can
	// call Restore instead of starting from an empty map.
	Durable DurableBackend
}

// NewSessionStore constructs an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]model.Session)}
}

// Restore loads every record from Durable into the in-memory map, skipping
// any that have already expired. Call once at shard startup, before the
// store serves traffic.
func (s *SessionStore) Restore(ctx context.Context) error {
	if s.Durable == nil {
		return nil
	}
	sessions, err := s.Durable.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, sess := range sessions {
		if now.After(sess.Expiry) {
			continue
		}
		s.sessions[sess.ID] = sess
	}
	return nil
}

// CreateSession inserts a new session with the given TTL.
func (s *SessionStore) CreateSession(ctx context.Context, sess model.Session, ttl time.Duration) error {
	s.mu.Lock()
	if sess.Expiry.IsZero() {
		sess.Expiry = time.Now().Add(ttl)
	}
	if sess.Data == nil {
		sess.Data = make(map[string]string)
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if s.Durable != nil {
		return s.Durable.Put(ctx, sess)
	}
	return nil
}

// GetSession returns the session, or ok=false if absent or expired.
func (s *SessionStore) GetSession(_ context.Context, id string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || time.Now().After(sess.Expiry) {
		return model.Session{}, false
	}
	return sess, true
}

// UpdateSessionData merges patch into the session's data blob, per spec
// §4.1.4 "merge semantics".
func (s *SessionStore) UpdateSessionData(ctx context.Context, id string, patch map[string]string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || time.Now().After(sess.Expiry) {
		s.mu.Unlock()
		return ErrNotFound
	}
	if sess.Data == nil {
		sess.Data = make(map[string]string)
	}
	for k, v := range patch {
		sess.Data[k] = v
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	if s.Durable != nil {
		return s.Durable.Put(ctx, sess)
	}
	return nil
}

// DeleteSession removes a session unconditionally, e.g. at logout.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if s.Durable != nil {
		_ = s.Durable.Delete(ctx, id)
	}
}

// GarbageCollect deletes expired sessions and returns the count removed.
func (s *SessionStore) GarbageCollect(_ context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.Expiry) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
