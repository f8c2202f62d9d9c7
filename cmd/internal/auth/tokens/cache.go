package tokens

import (
	"maps"
	"time"

	"aegis/cmd/internal/obs"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// resultCache holds approved validation results per token_id, one per policy
// hash. A nil *resultCache is a disabled cache.
type resultCache struct {
	lru     *expirable.LRU[string, map[string]Result]
	metrics *obs.Metrics
}

func newResultCache(size int, ttl time.Duration, metrics *obs.Metrics) *resultCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &resultCache{
		lru:     expirable.NewLRU[string, map[string]Result](size, nil, ttl),
		metrics: metrics,
	}
}

func (c *resultCache) get(tokenID, policyHash string) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	if byPolicy, ok := c.lru.Get(tokenID); ok {
		if r, ok := byPolicy[policyHash]; ok {
			c.metrics.CacheLookup("validation", true)
			return r, true
		}
	}
	c.metrics.CacheLookup("validation", false)
	return Result{}, false
}

// put copies the per-token map on write; concurrent puts for the same token
// may drop one entry, which only costs a policy round-trip.
func (c *resultCache) put(tokenID, policyHash string, r Result) {
	if c == nil {
		return
	}
	next := map[string]Result{}
	if cur, ok := c.lru.Peek(tokenID); ok {
		next = maps.Clone(cur)
	}
	next[policyHash] = r
	c.lru.Add(tokenID, next)
}

func (c *resultCache) invalidate(tokenID string) {
	if c == nil {
		return
	}
	c.lru.Remove(tokenID)
}

func (c *resultCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
