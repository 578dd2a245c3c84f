// Package cache implements get-or-compute-with-TTL over a kvstore
// instance, with best-effort anti-stampede locking.
//
// The one invariant it guarantees is that a cache hit never invokes the
// compute function. Stampede mitigation is a relaxation on top: under lock
// contention or store unavailability duplicate upstream computation is
// possible and accepted, bounded by a single backoff-and-recheck rather
// than indefinite blocking.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nominom/accountd/kvstore"
)

const (
	defaultLockTTL = 10 * time.Second
	defaultBackoff = 50 * time.Millisecond
)

// Cache layers cache-aside logic on one kvstore instance. Values are JSON
// on the wire; the store's namespace keeps instances apart.
type Cache struct {
	store   *kvstore.Store
	lockTTL time.Duration
	backoff time.Duration
}

// New returns a cache over store with default lock TTL and backoff.
func New(store *kvstore.Store) *Cache {
	return &Cache{
		store:   store,
		lockTTL: defaultLockTTL,
		backoff: defaultBackoff,
	}
}

// WithLockTTL overrides how long a repopulation lock may outlive its
// holder. Size it generously relative to the expected compute duration.
func (c *Cache) WithLockTTL(ttl time.Duration) *Cache {
	c.lockTTL = ttl
	return c
}

// WithBackoff overrides how long a lock loser waits before its single
// re-read.
func (c *Cache) WithBackoff(d time.Duration) *Cache {
	c.backoff = d
	return c
}

// Key builds a cache key from an operation name and its normalized input,
// partition-stable under the instance's namespace.
func Key(operation, input string) string {
	return "cache:" + operation + ":" + input
}

// Invalidate drops the given cache keys. Absent keys are a no-op.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	return c.store.Delete(ctx, keys...)
}

// GetOrCompute returns the cached value at key, or computes, caches, and
// returns it.
//
// On a miss the caller that wins the repopulation lock computes and writes;
// losers back off once, re-read, and degrade to an uncached direct compute
// if the value still is not there. A compute failure propagates without
// writing a cache entry, and the lock is released on every exit path. If
// the store itself is unreachable the cache steps aside and compute is
// called directly.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var zero T

	data, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrStoreUnavailable) {
			return compute(ctx)
		}
		return zero, err
	}
	if data != nil {
		var value T
		if err := json.Unmarshal(data, &value); err == nil {
			return value, nil
		}
		// Undecodable entry: treat as a miss and let repopulation fix it.
	}

	acquired, err := c.store.AcquireLock(ctx, key, c.lockTTL)
	if err != nil {
		if errors.Is(err, kvstore.ErrStoreUnavailable) {
			return compute(ctx)
		}
		return zero, err
	}

	if !acquired {
		// Someone else is computing. Wait once, re-read, otherwise degrade
		// to the uncached path rather than block.
		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		data, err := c.store.Get(ctx, key)
		if err == nil && data != nil {
			var value T
			if err := json.Unmarshal(data, &value); err == nil {
				return value, nil
			}
		}
		return compute(ctx)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = c.store.ReleaseLock(releaseCtx, key)
	}()

	value, err := compute(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return zero, err
	}
	if err := c.store.Set(ctx, key, encoded, ttl); err != nil && !errors.Is(err, kvstore.ErrStoreUnavailable) {
		return zero, err
	}

	return value, nil
}
