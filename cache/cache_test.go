package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nominom/accountd/kvstore"
)

func newTestCache(t *testing.T) (*Cache, *kvstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := kvstore.NewStore(rdb, "location_service")
	return New(store), store, mr
}

func TestHitShortCircuitsCompute(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		return "computed", nil
	}

	key := Key("search", "pizza")
	first, err := GetOrCompute(ctx, c, key, time.Hour, compute)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if first != "computed" {
		t.Fatalf("unexpected value %q", first)
	}

	for i := 0; i < 5; i++ {
		v, err := GetOrCompute(ctx, c, key, time.Hour, compute)
		if err != nil {
			t.Fatalf("hit call failed: %v", err)
		}
		if v != "computed" {
			t.Fatalf("unexpected value %q", v)
		}
	}

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 1 compute call, got %d", n)
	}
}

func TestExpiredEntryRecomputes(t *testing.T) {
	c, _, mr := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	if _, err := GetOrCompute(ctx, c, Key("details", "p1"), time.Minute, compute); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	v, err := GetOrCompute(ctx, c, Key("details", "p1"), time.Minute, compute)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected recompute after expiry, got %d", v)
	}
}

func TestConcurrentMissSingleCompute(t *testing.T) {
	c, _, _ := newTestCache(t)

	var calls atomic.Int64
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "value", nil
	}

	const n = 12
	var wg sync.WaitGroup
	wg.Add(n)

	values := make(chan string, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			v, err := GetOrCompute(context.Background(), c, Key("search", "burger"), time.Hour, compute)
			if err != nil {
				t.Errorf("concurrent call failed: %v", err)
				return
			}
			values <- v
		}()
	}
	close(start)
	wg.Wait()
	close(values)

	for v := range values {
		if v != "value" {
			t.Fatalf("caller got %q, want %q", v, "value")
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 1 compute under contention, got %d", n)
	}
}

func TestComputeErrorPropagatesWithoutWrite(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	upstream := errors.New("places api down")
	_, err := GetOrCompute(ctx, c, Key("search", "taco"), time.Hour, func(context.Context) (string, error) {
		return "", upstream
	})
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	data, err := store.Get(ctx, Key("search", "taco"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if data != nil {
		t.Fatalf("expected no cache entry after compute failure, got %q", data)
	}

	// The lock must have been released despite the failure.
	ok, err := store.AcquireLock(ctx, Key("search", "taco"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock free after compute failure, ok=%v err=%v", ok, err)
	}
}

func TestStoreDownDegradesToDirectCompute(t *testing.T) {
	c, _, mr := newTestCache(t)
	mr.Close()

	var calls atomic.Int64
	v, err := GetOrCompute(context.Background(), c, Key("search", "sushi"), time.Hour, func(context.Context) (string, error) {
		calls.Add(1)
		return "direct", nil
	})
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if v != "direct" || calls.Load() != 1 {
		t.Fatalf("expected one direct compute, got %q calls=%d", v, calls.Load())
	}
}

func TestInvalidateDropsEntry(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	key := Key("addresses", "user-1")
	if _, err := GetOrCompute(ctx, c, key, time.Hour, compute); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := c.Invalidate(ctx, key); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if _, err := GetOrCompute(ctx, c, key, time.Hour, compute); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}

	if n := calls.Load(); n != 2 {
		t.Fatalf("expected recompute after invalidate, calls=%d", n)
	}
}
