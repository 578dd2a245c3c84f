package kvstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dialPingTimeout = 5 * time.Second

// Registry owns the live store handles for a process. Requesting the same
// (host, port, db, namespace) tuple twice returns the same handle rather
// than opening a duplicate connection pool. Application start-up constructs
// one Registry and injects stores into the components that need them.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[string]*Store),
	}
}

// Get returns the store for cfg, dialing and pinging it on first request.
// A failed ping surfaces as ErrStoreUnavailable and nothing is cached, so
// a later call retries the dial.
func (r *Registry) Get(ctx context.Context, cfg Config) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cfg.tupleKey()
	if store, ok := r.stores[key]; ok {
		return store, nil
	}

	opts := &redis.Options{
		Addr:     cfg.addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	store := NewStore(client, cfg.Namespace)
	r.stores[key] = store
	return store, nil
}

// Close shuts down every store the registry opened.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for key, store := range r.stores {
		if err := store.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.stores, key)
	}
	return first
}
