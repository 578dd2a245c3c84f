package kvstore

import (
	"context"
	"time"
)

// WithLock runs fn while holding the advisory lock guarding key.
//
// A contended acquire returns ErrLockUnavailable immediately; retry policy
// belongs to the caller, since "held" usually means another worker is
// already doing the work. The release runs on every exit path, including a
// panic inside fn. The lock is TTL-bounded: if fn outlives ttl the lock can
// expire while logically held, so it guards against duplicate work, not
// against invariants that must never run twice.
func (s *Store) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	acquired, err := s.AcquireLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockUnavailable
	}

	defer func() {
		// Best effort: an unreachable store here means the TTL reclaims it.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = s.ReleaseLock(releaseCtx, key)
	}()

	return fn(ctx)
}
