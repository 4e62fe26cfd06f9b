package resolver

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ultraverse-io/retrostate/state/item"
)

// CachedResolver wraps a Resolver, caching ResolveColumnAlias,
// ResolveChain, ResolveRowAlias and ResolveRowChain under a single
// reader/writer lock. Row caches (keyed by column + range hash) are
// capacity-bounded via an LRU policy; the eviction policy is pluggable —
// callers may swap this for a different bounded cache without touching
// the core resolution logic, since it only talks to CachedResolver
// through the methods below.
type CachedResolver struct {
	inner *Resolver

	mu sync.RWMutex

	columnAlias map[string]cacheEntry[string]
	chain       map[string]cacheEntry[string]

	rowAlias *lru.Cache[rowAliasKey, item.Item]
	rowChain *lru.Cache[rowAliasKey, item.Item]
}

type cacheEntry[T any] struct {
	value T
	ok    bool
}

// NewCachedResolver wraps inner with a cache whose row-level tables are
// bounded to rowCacheCapacity entries each.
func NewCachedResolver(inner *Resolver, rowCacheCapacity int) (*CachedResolver, error) {
	if rowCacheCapacity <= 0 {
		rowCacheCapacity = 4096
	}
	rowAlias, err := lru.New[rowAliasKey, item.Item](rowCacheCapacity)
	if err != nil {
		return nil, err
	}
	rowChain, err := lru.New[rowAliasKey, item.Item](rowCacheCapacity)
	if err != nil {
		return nil, err
	}
	return &CachedResolver{
		inner:       inner,
		columnAlias: make(map[string]cacheEntry[string]),
		chain:       make(map[string]cacheEntry[string]),
		rowAlias:    rowAlias,
		rowChain:    rowChain,
	}, nil
}

func (c *CachedResolver) Inner() *Resolver { return c.inner }

func (c *CachedResolver) ResolveColumnAlias(col string) (string, bool) {
	key := normalize(col)

	c.mu.RLock()
	if e, ok := c.columnAlias[key]; ok {
		c.mu.RUnlock()
		return e.value, e.ok
	}
	c.mu.RUnlock()

	v, ok := c.inner.ResolveColumnAlias(key)

	c.mu.Lock()
	c.columnAlias[key] = cacheEntry[string]{value: v, ok: ok}
	c.mu.Unlock()

	return v, ok
}

func (c *CachedResolver) ResolveForeignKey(col string) (string, bool) {
	return c.inner.ResolveForeignKey(col)
}

func (c *CachedResolver) ResolveChain(col string) (string, bool) {
	key := normalize(col)

	c.mu.RLock()
	if e, ok := c.chain[key]; ok {
		c.mu.RUnlock()
		return e.value, e.ok
	}
	c.mu.RUnlock()

	v, ok := c.inner.ResolveChain(key)

	c.mu.Lock()
	c.chain[key] = cacheEntry[string]{value: v, ok: ok}
	c.mu.Unlock()

	return v, ok
}

func (c *CachedResolver) ResolveRowAlias(it item.Item) (item.Item, bool) {
	key := rowAliasKey{column: normalize(it.Name), rangeHash: it.Range().Hash()}

	c.mu.RLock()
	if v, ok := c.rowAlias.Get(key); ok {
		c.mu.RUnlock()
		return v, v.Name != ""
	}
	c.mu.RUnlock()

	v, ok := c.inner.ResolveRowAlias(it)

	c.mu.Lock()
	if ok {
		c.rowAlias.Add(key, v)
	}
	c.mu.Unlock()

	return v, ok
}

func (c *CachedResolver) ResolveRowChain(it item.Item) (item.Item, bool) {
	key := rowAliasKey{column: normalize(it.Name), rangeHash: it.Range().Hash()}

	c.mu.RLock()
	if v, ok := c.rowChain.Get(key); ok {
		c.mu.RUnlock()
		return v, v.Name != ""
	}
	c.mu.RUnlock()

	v, ok := c.inner.ResolveRowChain(it)

	c.mu.Lock()
	if ok {
		c.rowChain.Add(key, v)
	}
	c.mu.Unlock()

	return v, ok
}

// ObserveTransaction forwards to the inner resolver and clears every
// cache when the observation changes an alias, since a stale cache
// entry could otherwise outlive the alias it was resolved under.
func (c *CachedResolver) ObserveTransaction(pairs []RowAliasObservation) bool {
	changed := c.inner.ObserveTransaction(pairs)
	if changed {
		c.Clear()
	}
	return changed
}

// Clear drops every cached entry.
func (c *CachedResolver) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.columnAlias = make(map[string]cacheEntry[string])
	c.chain = make(map[string]cacheEntry[string])
	c.rowAlias.Purge()
	c.rowChain.Purge()
}
