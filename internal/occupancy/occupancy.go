// Package occupancy serves derived "how many are inside" counts.
//
// Counts are always recomputed from the session ledger; the cache only
// bounds read amplification during scan bursts. Every accepted transition
// invalidates the event's entry and is fanned out to live subscribers.
package occupancy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/turnstile/internal/model"
)

const (
	// DefaultTTL bounds how stale a cached count may be.
	DefaultTTL = 2 * time.Second
	// computeTimeout bounds a shared recomputation. It does not follow any
	// single caller's context.
	computeTimeout = 5 * time.Second
)

// Source computes occupancy from durable state. Implemented by the stores.
type Source interface {
	Occupancy(ctx context.Context, eventID string) (model.Occupancy, error)
}

type cached struct {
	value   model.Occupancy
	expires time.Time
}

// Cache is a TTL cache in front of a Source. Concurrent misses for the same
// event share one computation.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cached
	group   singleflight.Group
}

// NewCache creates a cache. A non-positive ttl uses DefaultTTL.
func NewCache(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cached),
	}
}

// Get returns the occupancy of eventID, computing it on a miss. A caller
// whose ctx ends stops waiting; the shared computation carries on for the
// other waiters.
func (c *Cache) Get(ctx context.Context, eventID string) (model.Occupancy, error) {
	c.mu.Lock()
	if e, ok := c.entries[eventID]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(eventID, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.entries[eventID]; ok && c.now().Before(e.expires) {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()

		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		occ, err := c.source.Occupancy(qctx, eventID)
		if err != nil {
			return model.Occupancy{}, err
		}
		c.mu.Lock()
		c.entries[eventID] = cached{value: occ, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return occ, nil
	})
	select {
	case <-ctx.Done():
		return model.Occupancy{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return model.Occupancy{}, r.Err
		}
		return r.Val.(model.Occupancy), nil
	}
}

// Invalidate drops the cached value for eventID.
func (c *Cache) Invalidate(eventID string) {
	c.mu.Lock()
	delete(c.entries, eventID)
	c.mu.Unlock()
}
