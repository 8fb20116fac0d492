// Package cache provides the bounded, expiring cache injected into provider adapters
// for credentials and sessions.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// TTL is a size-bounded LRU whose entries expire after a fixed time to live.
type TTL[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

// NewTTL creates a cache holding at most size entries for ttl each
func NewTTL[V any](size int, ttl time.Duration) *TTL[V] {
	if size <= 0 {
		size = 128
	}
	return &TTL[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (c *TTL[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

func (c *TTL[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

func (c *TTL[V]) Delete(key string) {
	c.lru.Remove(key)
}

func (c *TTL[V]) Len() int {
	return c.lru.Len()
}

// GetOrLoad returns the cached value or calls load once for concurrent misses on the same key.
// Failed loads are not cached.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
