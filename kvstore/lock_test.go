package kvstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWithLockRunsBodyAndReleases(t *testing.T) {
	store, _ := newTestStore(t, "test")
	ctx := context.Background()

	ran := false
	err := store.WithLock(ctx, "job", time.Minute, func(ctx context.Context) error {
		ran = true
		held, err := store.Exists(ctx, "lock:job")
		if err != nil || !held {
			t.Fatalf("expected lock held inside body, held=%v err=%v", held, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withlock failed: %v", err)
	}
	if !ran {
		t.Fatal("body did not run")
	}

	held, _ := store.Exists(ctx, "lock:job")
	if held {
		t.Fatal("expected lock released after body")
	}
}

func TestWithLockContendedReturnsImmediately(t *testing.T) {
	store, _ := newTestStore(t, "test")
	ctx := context.Background()

	if ok, _ := store.AcquireLock(ctx, "job", time.Minute); !ok {
		t.Fatal("setup acquire refused")
	}

	err := store.WithLock(ctx, "job", time.Minute, func(context.Context) error {
		t.Fatal("body must not run while lock is held elsewhere")
		return nil
	})
	if !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
}

func TestWithLockReleasesOnBodyError(t *testing.T) {
	store, _ := newTestStore(t, "test")
	ctx := context.Background()

	bodyErr := errors.New("boom")
	err := store.WithLock(ctx, "job", time.Minute, func(context.Context) error {
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("expected body error to propagate, got %v", err)
	}

	ok, err := store.AcquireLock(ctx, "job", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock free after body error, ok=%v err=%v", ok, err)
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	store, _ := newTestStore(t, "test")
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = store.WithLock(ctx, "job", time.Minute, func(context.Context) error {
			panic("boom")
		})
	}()

	ok, err := store.AcquireLock(ctx, "job", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock free after panic, ok=%v err=%v", ok, err)
	}
}

func TestWithLockConcurrentSingleWinner(t *testing.T) {
	store, _ := newTestStore(t, "test")

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			results <- store.WithLock(context.Background(), "job", time.Minute, func(context.Context) error {
				time.Sleep(20 * time.Millisecond)
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	losers := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrLockUnavailable):
			losers++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if losers != n-1 {
		t.Fatalf("expected %d losers, got %d", n-1, losers)
	}
}
