// Package registry provides the read-through cached client and tenant
// profile lookups spec §5 calls out as one of the two kinds of in-process
// mutable state (alongside the ephemeral-state actors): a TTL-bounded cache
// with atomic-swap semantics. Grounded on dex's server/server.go keyCacher,
// generalized from a single "the" signing key to arbitrary-cardinality
// client/tenant lookups.
package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sgrastar/authrim/internal/model"
)

// Backend is the authoritative source the registry reads through to on a
// cache miss, an external collaborator per spec §1 ("the relational stores
// ... only the schemas and queries the core issues").
type Backend interface {
	GetClient(ctx context.Context, clientID string) (model.Client, error)
	GetTenantProfile(ctx context.Context, tenantID string) (model.TenantProfile, error)
}

type cacheEntry[T any] struct {
	value   T
	loadedAt  time.Time
}

// Registry caches Client and TenantProfile lookups with a bounded TTL
// ("O(minutes)" per spec §5), served by atomic.Value swaps so readers never
// block a concurrent refresh.
type Registry struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time

	clientCache atomic.Value // holds map[string]cacheEntry[model.Client]
	tenantCache atomic.Value // holds map[string]cacheEntry[model.TenantProfile]
}

// New constructs a Registry backed by b, with cache entries valid for ttl
// (default 5 minutes if ttl <= 0, matching spec §5's "O(minutes)" guidance).
func New(b Backend, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	r := &Registry{
		backend: b,
		ttl:     ttl,
		now:     time.Now,
	}
	r.clientCache.Store(make(map[string]cacheEntry[model.Client]))
	r.tenantCache.Store(make(map[string]cacheEntry[model.TenantProfile]))
	return r
}

// GetClient returns the client, reading through to Backend on a miss or
// stale entry.
func (r *Registry) GetClient(ctx context.Context, clientID string) (model.Client, error) {
	cache := r.clientCache.Load().(map[string]cacheEntry[model.Client])
	if e, ok := cache[clientID]; ok && r.now().Before(e.loadedAt.Add(r.ttl)) {
		return e.value, nil
	}

	client, err := r.backend.GetClient(ctx, clientID)
	if err != nil {
		return model.Client{}, fmt.Errorf("registry: loading client %q: %w", clientID, err)
	}
	r.storeClient(clientID, client)
	return client, nil
}

func (r *Registry) storeClient(clientID string, client model.Client) {
	for {
		old := r.clientCache.Load().(map[string]cacheEntry[model.Client])
		next := make(map[string]cacheEntry[model.Client], len(old)+1)
		for k, v := range old {
			next[k] = v
		}
		next[clientID] = cacheEntry[model.Client]{value: client, loadedAt: r.now()}
		if r.clientCache.CompareAndSwap(old, next) {
			return
		}
	}
}

// GetTenantProfile returns the tenant profile, reading through on a miss.
func (r *Registry) GetTenantProfile(ctx context.Context, tenantID string) (model.TenantProfile, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	cache := r.tenantCache.Load().(map[string]cacheEntry[model.TenantProfile])
	if e, ok := cache[tenantID]; ok && r.now().Before(e.loadedAt.Add(r.ttl)) {
		return e.value, nil
	}

	profile, err := r.backend.GetTenantProfile(ctx, tenantID)
	if err != nil {
		return model.TenantProfile{}, fmt.Errorf("registry: loading tenant profile %q: %w", tenantID, err)
	}
	r.storeTenant(tenantID, profile)
	return profile, nil
}

func (r *Registry) storeTenant(tenantID string, profile model.TenantProfile) {
	for {
		old := r.tenantCache.Load().(map[string]cacheEntry[model.TenantProfile])
		next := make(map[string]cacheEntry[model.TenantProfile], len(old)+1)
		for k, v := range old {
			next[k] = v
		}
		next[tenantID] = cacheEntry[model.TenantProfile]{value: profile, loadedAt: r.now()}
		if r.tenantCache.CompareAndSwap(old, next) {
			return
		}
	}
}

// Invalidate drops a client's cached entry, used by the admin CRUD layer
// (out of core scope) after a client update so the next lookup reads through.
func (r *Registry) Invalidate(clientID string) {
	for {
		old := r.clientCache.Load().(map[string]cacheEntry[model.Client])
		if _, ok := old[clientID]; !ok {
			return
		}
		next := make(map[string]cacheEntry[model.Client], len(old))
		for k, v := range old {
			if k != clientID {
				next[k] = v
			}
		}
		if r.clientCache.CompareAndSwap(old, next) {
			return
		}
	}
}
