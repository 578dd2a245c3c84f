package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementLua increments a counter and arms its expiry only on the first
// hit of the window. INCR followed by a separate EXPIRE round trip is not
// equivalent: a crash between the two leaves a counter that never expires,
// and re-arming on every call keeps the window from ever closing.
var incrementLua = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// lockValue is the holder marker written by AcquireLock. The lock protocol
// only needs the key to exist; holders are not distinguished.
const lockValue = "1"

// Config identifies one logical store instance. Populate explicitly from
// application configuration; this package never reads the environment.
type Config struct {
	Host      string
	Port      int
	Password  string
	DB        int
	Namespace string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// tupleKey is the registry identity of a store instance.
func (c Config) tupleKey() string {
	return fmt.Sprintf("%s:%d:%d:%s", c.Host, c.Port, c.DB, c.Namespace)
}

// Store is a namespaced handle on one Redis instance. All methods are safe
// for concurrent use; the handle holds no state beyond the connection pool
// and its metrics counters.
type Store struct {
	client  redis.UniversalClient
	ns      string
	metrics *Metrics
}

// NewStore wraps an already-dialed client. Most callers should go through
// a Registry instead; this constructor exists for tests and for embedding
// into processes that manage their own client lifecycle.
func NewStore(client redis.UniversalClient, namespace string) *Store {
	return &Store{
		client:  client,
		ns:      namespace,
		metrics: &Metrics{},
	}
}

func (s *Store) key(k string) string {
	if s.ns == "" {
		return k
	}
	return s.ns + ":" + k
}

// Namespace reports the key prefix this store applies to every operation.
func (s *Store) Namespace() string {
	return s.ns
}

// Metrics returns a snapshot of this instance's operation counters.
func (s *Store) Metrics() MetricsSnapshot {
	return s.metrics.snapshot()
}

// Get returns the value at key, or nil with no error when the key is
// absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	defer s.metrics.observe(time.Now())

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, s.metrics.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return data, nil
}

// Set writes value at key. A zero ttl stores without expiry; otherwise the
// write and its TTL are one atomic SET, so a present key is always a fully
// written unit.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer s.metrics.observe(time.Now())

	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return s.metrics.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return nil
}

// Delete removes key. Deleting an absent key is a no-op success.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	defer s.metrics.observe(time.Now())

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return s.metrics.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	defer s.metrics.observe(time.Now())

	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, s.metrics.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return n == 1, nil
}

// Increment atomically increments the counter at key and, if this is the
// first increment of the window, arms its expiry. Subsequent increments in
// the same window never extend the TTL (fixed window).
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	defer s.metrics.observe(time.Now())

	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	count, err := incrementLua.Run(ctx, s.client, []string{s.key(key)}, seconds).Int64()
	if err != nil {
		return 0, s.metrics.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return count, nil
}

// AcquireLock attempts to take the lock guarding key. It is a single
// SET NX EX: it succeeds for exactly one caller while the lock key is
// absent, and expiry is the sole recovery path for a holder that dies
// without releasing.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	defer s.metrics.observe(time.Now())

	ok, err := s.client.SetNX(ctx, s.key("lock:"+key), lockValue, ttl).Result()
	if err != nil {
		return false, s.metrics.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return ok, nil
}

// ReleaseLock drops the lock guarding key.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	defer s.metrics.observe(time.Now())

	if err := s.client.Del(ctx, s.key("lock:"+key)).Err(); err != nil {
		return s.metrics.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return nil
}

// Healthy reports whether the instance answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	defer s.metrics.observe(time.Now())

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.metrics.fail(err)
		return false
	}
	return true
}

// Close releases the underlying connection pool. Only the owner of the
// client (normally the Registry) should call it.
func (s *Store) Close() error {
	return s.client.Close()
}
