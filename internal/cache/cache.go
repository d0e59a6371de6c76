// Package cache provides a small in-memory TTL cache with singleflight-style
// computation, used to make repeated bio-radar analyses of the same profile
// free.
package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value     any
	expiresAt time.Time
}

type inflight struct {
	done  chan struct{}
	value any
	err   error
}

// Cache is a TTL key/value cache. Concurrent GetOrCompute calls for the same
// key share a single computation instead of stampeding the upstream.
type Cache struct {
	now      func() time.Time
	mu       sync.Mutex
	items    map[string]item
	inflight map[string]*inflight
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		now:      time.Now,
		items:    make(map[string]item),
		inflight: make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCompute returns the cached value for key, computing and storing it
// with fn on a miss. Errors from fn are not cached. When multiple callers
// miss the same key at once, one runs fn and the rest wait for its result.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	c.mu.Lock()
	if it, ok := c.items[key]; ok && !c.now().After(it.expiresAt) {
		c.mu.Unlock()
		return it.value, true, nil
	}

	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.value, true, fl.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	fl := &inflight{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	value, err := fn(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.items[key] = item{value: value, expiresAt: c.now().Add(ttl)}
	}
	c.mu.Unlock()

	fl.value = value
	fl.err = err
	close(fl.done)

	return value, false, err
}
