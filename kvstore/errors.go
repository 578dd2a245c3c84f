package kvstore

import "errors"

// ErrStoreUnavailable wraps every connectivity or timeout failure from the
// underlying Redis instance. Callers decide per use case whether to fail
// open or fail closed.
var ErrStoreUnavailable = errors.New("kvstore unavailable")

// ErrLockUnavailable is returned by WithLock when the lock is already held.
// It means another worker is doing the protected work, not that the work
// itself failed.
var ErrLockUnavailable = errors.New("lock unavailable")
