package policy

import (
	"context"
	"sync"
	"time"
)

// ValidationLoader fetches the current raw document for a Validation
// Policy id, plus its version (for observability; the cache itself keys
// staleness off TTL, not version).
type ValidationLoader interface {
	LoadValidationPolicy(ctx context.Context, id int64) (version int, raw []byte, err error)
}

type RoutingLoader interface {
	LoadRoutingPolicy(ctx context.Context, id int64) (version int, raw []byte, err error)
}

type compiledValidation struct {
	version    int
	compiledAt time.Time
	expiresAt  time.Time
	policy     ValidationPolicy
}

type compiledRouting struct {
	version    int
	compiledAt time.Time
	expiresAt  time.Time
	policy     RoutingPolicy
}

// Cache is a short-TTL, read-mostly compiled view over policy documents.
// A cache hit costs a map lookup; a miss or an expired entry
// falls through to the loader and re-parses, so staleness is bounded by
// the TTL alone.
type Cache struct {
	ttl time.Duration

	vmu  sync.RWMutex
	vset map[int64]compiledValidation

	rmu  sync.RWMutex
	rset map[int64]compiledRouting
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		ttl:  ttl,
		vset: make(map[int64]compiledValidation),
		rset: make(map[int64]compiledRouting),
	}
}

func (c *Cache) Validation(ctx context.Context, loader ValidationLoader, id int64, now time.Time) (ValidationPolicy, error) {
	c.vmu.RLock()
	if e, ok := c.vset[id]; ok && now.Before(e.expiresAt) {
		c.vmu.RUnlock()
		return e.policy, nil
	}
	c.vmu.RUnlock()

	version, raw, err := loader.LoadValidationPolicy(ctx, id)
	if err != nil {
		return ValidationPolicy{}, err
	}
	vp, err := ParseValidationPolicy(raw)
	if err != nil {
		return ValidationPolicy{}, err
	}

	c.vmu.Lock()
	c.vset[id] = compiledValidation{version: version, compiledAt: now, expiresAt: now.Add(c.ttl), policy: vp}
	c.vmu.Unlock()
	return vp, nil
}

func (c *Cache) Routing(ctx context.Context, loader RoutingLoader, id int64, now time.Time) (RoutingPolicy, error) {
	c.rmu.RLock()
	if e, ok := c.rset[id]; ok && now.Before(e.expiresAt) {
		c.rmu.RUnlock()
		return e.policy, nil
	}
	c.rmu.RUnlock()

	version, raw, err := loader.LoadRoutingPolicy(ctx, id)
	if err != nil {
		return RoutingPolicy{}, err
	}
	rp, err := ParseRoutingPolicy(raw)
	if err != nil {
		return RoutingPolicy{}, err
	}

	c.rmu.Lock()
	c.rset[id] = compiledRouting{version: version, compiledAt: now, expiresAt: now.Add(c.ttl), policy: rp}
	c.rmu.Unlock()
	return rp, nil
}

// Invalidate drops both cached entries for id, used by the operator replay
// path after a policy edit so the next lookup recompiles immediately
// instead of waiting out the TTL.
func (c *Cache) Invalidate(id int64) {
	c.vmu.Lock()
	delete(c.vset, id)
	c.vmu.Unlock()
	c.rmu.Lock()
	delete(c.rset, id)
	c.rmu.Unlock()
}
