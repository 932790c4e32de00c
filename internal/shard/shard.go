// Package shard maps a logical key (session id, client id, challenge id,
// request URI) to the single-writer actor instance that owns it, per
// spec §4.1 and the re-architecture note in §9 on "polymorphic actor
// routing" — the router is the only code in the system that knows the
// naming scheme.
package shard

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Kind enumerates the six actor kinds the router addresses.
type Kind string

const (
	KindAuthCode   Kind = "authcode"
	KindPAR        Kind = "par"
	KindChallenge  Kind = "challenge"
	KindSession    Kind = "session"
	KindRateLimit  Kind = "ratelimit"
	KindKeyManager Kind = "keymanager"
)

// Address identifies one actor instance: its kind, a logical namespace
// (region for PAR, bucket name for the rate limiter, "default" elsewhere),
// and the shard index within that namespace. This is the systems-language
// ActorAddress value from spec §9.
type Address struct {
	Kind      Kind
	Namespace string
	Index     int
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%s/%d", a.Kind, a.Namespace, a.Index)
}

// Router resolves logical keys to Addresses. ShardCount is runtime
// reloadable (default 8); KeyManager is always the single global instance
// "default-v3" regardless of ShardCount.
type Router struct {
	shardCount int
}

// NewRouter constructs a Router with the given shard count (spec default 8).
func NewRouter(shardCount int) *Router {
	if shardCount <= 0 {
		shardCount = 8
	}
	return &Router{shardCount: shardCount}
}

// ShardCount returns the currently configured shard count.
func (r *Router) ShardCount() int {
	return r.shardCount
}

// Reload atomically changes the shard count used for new assignments. Codes
// and sessions created under the old count remain addressable because their
// identifiers embed the shard index at creation time (spec §8 boundary
// behavior: "shard count mid-flight reload").
func (r *Router) Reload(shardCount int) (previous, current int) {
	previous = r.shardCount
	if shardCount > 0 {
		r.shardCount = shardCount
	}
	return previous, r.shardCount
}

// AuthCodeAddress routes by hash(user_id || client_id) mod shardCount,
// unless sessionShard is non-negative, in which case the code collocates
// with the session's shard to reduce cross-POD latency (spec §4.1: "AuthCodeShard").
func (r *Router) AuthCodeAddress(userID, clientID string, sessionShard int) Address {
	idx := sessionShard
	if idx < 0 {
		idx = int(fnvHash(userID+"||"+clientID) % uint64(r.shardCount))
	}
	return Address{Kind: KindAuthCode, Namespace: "default", Index: idx}
}

// ChallengeAddress routes by hash(challengeId) mod shardCount.
func (r *Router) ChallengeAddress(challengeID string) Address {
	idx := int(fnvHash(challengeID) % uint64(r.shardCount))
	return Address{Kind: KindChallenge, Namespace: "default", Index: idx}
}

// NewSessionAddress assigns a brand-new session to a shard at creation time
// (round-robin over a hash of a fresh random component is the caller's job;
// here we accept the caller's chosen index so ID generation and routing stay
// consistent — see internal/actor/session.go).
func (r *Router) NewSessionAddress(index int) Address {
	return Address{Kind: KindSession, Namespace: "default", Index: index % r.shardCount}
}

// SessionAddressFromID decodes the shard index embedded in a session id of
// the form "{shardIndex}_session_{uuid}".
func (r *Router) SessionAddressFromID(sessionID string) (Address, error) {
	idx, err := decodeEmbeddedShardIndex(sessionID, "session")
	if err != nil {
		return Address{}, err
	}
	return Address{Kind: KindSession, Namespace: "default", Index: idx}, nil
}

// NewPARAddress assigns a region-aware address for a freshly stored PAR
// request; region and shard index are encoded directly into the generated
// request_uri so the router can resolve later lookups without consulting
// any metadata store (spec §4.1: "PARRequestStore: region-aware").
func (r *Router) NewPARAddress(region string, index int) Address {
	return Address{Kind: KindPAR, Namespace: region, Index: index % r.shardCount}
}

// PARAddressFromRequestURI decodes the region and shard index embedded in a
// request_uri of the form
// "urn:ietf:params:oauth:request_uri:g{gen}:{region}:{shard}:par_{uuid}".
func (r *Router) PARAddressFromRequestURI(requestURI string) (Address, error) {
	const prefix = "urn:ietf:params:oauth:request_uri:"
	if !strings.HasPrefix(requestURI, prefix) {
		return Address{}, fmt.Errorf("shard: malformed request_uri %q", requestURI)
	}
	rest := strings.TrimPrefix(requestURI, prefix)
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return Address{}, fmt.Errorf("shard: malformed request_uri %q", requestURI)
	}
	region := parts[1]
	idx, err := strconv.Atoi(parts[2])
	if err != nil {
		return Address{}, fmt.Errorf("shard: malformed shard segment in request_uri %q: %w", requestURI, err)
	}
	return Address{Kind: KindPAR, Namespace: region, Index: idx}, nil
}

// ParIndexFor hashes clientID to a shard index within a region, the same
// hash-then-mod scheme AuthCodeAddress falls back to; callers mint a fresh
// request_uri by combining this index with NewPARRequestURI.
func (r *Router) ParIndexFor(clientID string) int {
	return int(fnvHash(clientID) % uint64(r.shardCount))
}

// RateLimiterAddress is keyed by bucket name (e.g. "email-code", "authorize"),
// not by a hashed shard index: each bucket owns exactly one counter actor.
func (r *Router) RateLimiterAddress(bucket string) Address {
	return Address{Kind: KindRateLimit, Namespace: bucket, Index: 0}
}

// KeyManagerAddress is the single global key manager instance.
func (r *Router) KeyManagerAddress() Address {
	return Address{Kind: KindKeyManager, Namespace: "default-v3", Index: 0}
}

func decodeEmbeddedShardIndex(id, label string) (int, error) {
	parts := strings.SplitN(id, "_"+label+"_", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("shard: malformed %s id %q", label, id)
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("shard: malformed shard prefix in %s id %q: %w", label, id, err)
	}
	return idx, nil
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
