// Package etcdshard gives actor.SessionStore a durable backend on etcd, so a
// session shard that restarts (or is rescheduled to a different node) can
// recover its in-flight sessions at startup instead of forcing every RP to
// re-authenticate. Grounded on storage/etcd's txnCreate/getKey/prefix-Get
// idiom, narrowed from dex's full relational Storage interface down to the
// one record type a SessionStore actor owns.
package etcdshard

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/model"
)

const defaultRequestTimeout = 5 * time.Second

// Config describes how to dial the etcd cluster backing session state.
// Mirrors storage/etcd.Etcd's field names so a deployment migrating its
// config file needs no renaming.
type Config struct {
	Endpoints []string
	Username  string
	Password  string
}

// Store implements actor.DurableBackend against an etcd keyspace scoped by
// Prefix (normally "authrim/session/<region>/").
type Store struct {
	db     *clientv3.Client
	prefix string
}

// Open dials etcd and returns a Store rooted at prefix.
func Open(cfg Config, prefix string) (*Store, error) {
	db, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 2 * time.Second,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, prefix: prefix}, nil
}

// Close releases the underlying etcd client.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) key(id string) string { return s.prefix + id }

var _ actor.DurableBackend = (*Store)(nil)

// Put upserts a session record. Unlike dex's CreateAuthCode, a session
// write-through has no "fails if it exists" requirement — CreateSession and
// UpdateSessionData both call it, so it must always overwrite.
func (s *Store) Put(ctx context.Context, sess model.Session) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Put(ctx, s.key(sess.ID), string(b))
	return err
}

// Get returns the session, or ok=false if it has no etcd record.
func (s *Store) Get(ctx context.Context, id string) (model.Session, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	resp, err := s.db.Get(ctx, s.key(id))
	if err != nil {
		return model.Session{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return model.Session{}, false, nil
	}
	var sess model.Session
	if err := json.Unmarshal(resp.Kvs[0].Value, &sess); err != nil {
		return model.Session{}, false, err
	}
	return sess, true, nil
}

// Delete removes the session's etcd record, if any.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	_, err := s.db.Delete(ctx, s.key(id))
	return err
}

// List returns every session under this Store's prefix, for Restore at
// shard startup.
func (s *Store) List(ctx context.Context) ([]model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	resp, err := s.db.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	sessions := make([]model.Session, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var sess model.Session
		if err := json.Unmarshal(kv.Value, &sess); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
