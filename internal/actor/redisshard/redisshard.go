// Package redisshard gives actor.SessionStore a durable backend on Redis,
// the alternative to etcdshard for deployments that already run Redis for
// caching. Grounded on storage/redis's JSON-blob-per-key idiom, but written
// against this module's actual dependency, github.com/redis/go-redis/v9
// (storage/redis imports the unrelated go-redis/v8, never in this module's
// go.mod). Unlike storage/redis's manual gcEntity-unmarshal-and-compare
// GarbageCollect, Redis keys here carry native TTLs (SET ... EX) so expiry
// is the server's job, not this package's.
package redisshard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/model"
)

const defaultRequestTimeout = 5 * time.Second

// Config mirrors storage/redis.Config's field names.
type Config struct {
	Addrs            []string
	Password         string
	SentinelPassword string
	MasterName       string
}

// Store implements actor.DurableBackend against a Redis keyspace scoped by
// Prefix (normally "authrim/session/<region>/").
type Store struct {
	db     redis.UniversalClient
	prefix string
}

// Open constructs a Redis client (sentinel-aware when MasterName is set, the
// same UniversalClient dispatch storage/redis relies on) rooted at prefix.
func Open(cfg Config, prefix string) *Store {
	db := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            cfg.Addrs,
		Password:         cfg.Password,
		SentinelPassword: cfg.SentinelPassword,
		MasterName:       cfg.MasterName,
	})
	return &Store{db: db, prefix: prefix}
}

// Close releases the underlying Redis client.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) key(id string) string { return s.prefix + id }

var _ actor.DurableBackend = (*Store)(nil)

// Put upserts a session record with a TTL matching its remaining lifetime,
// so an expired session is reclaimed by Redis itself rather than needing a
// separate GarbageCollect sweep.
func (s *Store) Put(ctx context.Context, sess model.Session) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.Expiry)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.db.Set(ctx, s.key(sess.ID), b, ttl).Err()
}

// Get returns the session, or ok=false if absent or already expired out of
// Redis.
func (s *Store) Get(ctx context.Context, id string) (model.Session, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	val, err := s.db.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	var sess model.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return model.Session{}, false, err
	}
	return sess, true, nil
}

// Delete removes the session's Redis record, if any.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	return s.db.Del(ctx, s.key(id)).Err()
}

// List scans every key under this Store's prefix, for Restore at shard
// startup. Uses SCAN rather than KEYS (storage/redis's choice) to avoid
// blocking the Redis event loop on a large keyspace.
func (s *Store) List(ctx context.Context) ([]model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var sessions []model.Session
	iter := s.db.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		val, err := s.db.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sess model.Session
		if err := json.Unmarshal(val, &sess); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
