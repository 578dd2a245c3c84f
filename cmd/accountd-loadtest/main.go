// Command accountd-loadtest measures session refresh and access-token
// validation throughput against Redis. Without -redis-addr (or
// REDIS_ADDR) it runs against an embedded miniredis.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nominom/accountd/kvstore"
	"github.com/nominom/accountd/session"
)

type sessionState struct {
	mu      sync.Mutex
	refresh string
	access  string
}

func main() {
	var (
		sessions    = flag.Int("sessions", 10000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase (validate + refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		namespace   = flag.String("namespace", "default", "key namespace")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Println("using embedded miniredis at", addr)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	kv := kvstore.NewStore(client, *namespace)
	signer, err := session.NewTokenSigner([]byte("loadtest-secret-loadtest-secret"), time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signer init: %v\n", err)
		os.Exit(1)
	}
	manager := session.NewManager(session.NewMemoryStore(), kv, signer, session.ManagerConfig{})

	// ---------- seed ----------
	fmt.Printf("seeding %d sessions...\n", *sessions)
	states := make([]*sessionState, *sessions)
	seedStart := time.Now()
	for i := range states {
		_, pair, err := manager.Create(ctx, fmt.Sprintf("user-%d", i), fmt.Sprintf("device-%d", i), session.DeviceInfo{Platform: "loadtest"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed %d: %v\n", i, err)
			os.Exit(1)
		}
		states[i] = &sessionState{refresh: pair.RefreshToken, access: pair.AccessToken}
	}
	fmt.Printf("seeded in %s\n", time.Since(seedStart).Round(time.Millisecond))

	// ---------- validate phase ----------
	runPhase("validate", *ops, *concurrency, func(r *rand.Rand) error {
		st := states[r.Intn(len(states))]
		st.mu.Lock()
		token := st.access
		st.mu.Unlock()
		_, err := manager.Authenticate(token)
		return err
	})

	// ---------- refresh phase ----------
	runPhase("refresh", *ops, *concurrency, func(r *rand.Rand) error {
		st := states[r.Intn(len(states))]
		st.mu.Lock()
		defer st.mu.Unlock()
		pair, err := manager.Refresh(ctx, st.refresh)
		if err != nil {
			return err
		}
		st.refresh = pair.RefreshToken
		st.access = pair.AccessToken
		return nil
	})

	snap := kv.Metrics()
	fmt.Printf("store: %d commands, %d errors\n", snap.Commands, snap.Errors)
}

func runPhase(name string, ops, concurrency int, op func(*rand.Rand) error) {
	var (
		done      atomic.Int64
		failures  atomic.Int64
		latencies = make([][]time.Duration, concurrency)
		wg        sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w) + 1))
			for done.Add(1) <= int64(ops) {
				opStart := time.Now()
				if err := op(r); err != nil {
					failures.Add(1)
				}
				latencies[w] = append(latencies[w], time.Since(opStart))
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var all []time.Duration
	for _, ls := range latencies {
		all = append(all, ls...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	fmt.Printf("%s: %d ops in %s (%.0f ops/s), %d failures, p50=%s p99=%s\n",
		name, len(all), elapsed.Round(time.Millisecond),
		float64(len(all))/elapsed.Seconds(), failures.Load(),
		percentile(all, 0.50), percentile(all, 0.99))
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
