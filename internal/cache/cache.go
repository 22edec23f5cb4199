// Package cache keeps short-lived per-tenant snapshots of download-service items.
package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/darshan-rambhia/sweep/internal/downloads"
)

// ItemLister fetches a tenant's items from the download service.
type ItemLister interface {
	ListItems(ctx context.Context, credential string) ([]downloads.Item, error)
}

type entry struct {
	items     []downloads.Item
	fetchedAt time.Time
}

// ItemCache is a thread-safe TTL cache in front of an ItemLister. Concurrent
// misses for the same tenant share one fetch.
type ItemCache struct {
	lister ItemLister
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	gen     map[string]uint64
	group   singleflight.Group
}

// New returns an ItemCache. A non-positive ttl disables caching but keeps
// fetch de-duplication.
func New(lister ItemLister, ttl time.Duration) *ItemCache {
	return &ItemCache{
		lister:  lister,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
		gen:     make(map[string]uint64),
	}
}

// Items returns the tenant's items, fetching them when the cached snapshot is
// missing or older than the TTL. The returned slice is the caller's to keep.
func (c *ItemCache) Items(ctx context.Context, tenantHash, credential string) ([]downloads.Item, error) {
	c.mu.RLock()
	e, ok := c.entries[tenantHash]
	gen := c.gen[tenantHash]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return slices.Clone(e.items), nil
	}

	ch := c.group.DoChan(tenantHash, func() (any, error) {
		// The shared fetch outlives any single caller giving up.
		items, err := c.lister.ListItems(context.WithoutCancel(ctx), credential)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen[tenantHash] == gen {
			c.entries[tenantHash] = entry{items: items, fetchedAt: c.now()}
		}
		c.mu.Unlock()
		return items, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]downloads.Item)), nil
	}
}

// Invalidate drops the tenant's snapshot so the next call refetches. A fetch
// already in flight is not stored.
func (c *ItemCache) Invalidate(tenantHash string) {
	c.mu.Lock()
	delete(c.entries, tenantHash)
	c.gen[tenantHash]++
	c.mu.Unlock()
	c.group.Forget(tenantHash)
}

// Len returns the number of tenants with a cached snapshot.
func (c *ItemCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
