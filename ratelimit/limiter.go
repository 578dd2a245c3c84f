// Package ratelimit provides a fixed-window request counter over a kvstore
// instance.
//
// Fixed window means a counter resets at window boundaries rather than
// sliding, so a burst of up to 2×max can span a boundary. That is an
// accepted trade for one atomic increment per decision.
package ratelimit

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nominom/accountd/kvstore"
)

// Limiter enforces a per-subject fixed-window budget. Subjects under
// different scopes never interact.
type Limiter struct {
	store *kvstore.Store
	scope string
}

// Result is one rate-limit decision.
type Result struct {
	Allowed   bool
	Remaining int
}

// New returns a limiter whose counters live under
// "ratelimit:<scope>:<subject>" in the given store.
func New(store *kvstore.Store, scope string) *Limiter {
	return &Limiter{
		store: store,
		scope: scope,
	}
}

func (l *Limiter) key(subject string) string {
	return "ratelimit:" + l.scope + ":" + subject
}

// Allow records one request for subject and reports whether it fits the
// budget of max requests per window.
//
// When the store is unreachable the limiter fails OPEN: availability of
// the request path is deliberately favored over strict enforcement, and
// the dropped decision is annotated on the request log instead.
func (l *Limiter) Allow(ctx context.Context, subject string, window time.Duration, max int) Result {
	count, err := l.store.Increment(ctx, l.key(subject), window)
	if err != nil {
		if errors.Is(err, kvstore.ErrStoreUnavailable) {
			canonlog.InfoAdd(ctx, "ratelimit_fail_open", l.scope)
			return Result{Allowed: true, Remaining: max}
		}
		canonlog.ErrorAdd(ctx, err)
		return Result{Allowed: true, Remaining: max}
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(max),
		Remaining: remaining,
	}
}

// Reset clears the counter for subject, reopening its window. Used after
// an operation that should forgive prior attempts, such as a successful
// verification.
func (l *Limiter) Reset(ctx context.Context, subject string) error {
	return l.store.Delete(ctx, l.key(subject))
}

// SubjectFromAddr derives the default network-identity subject from a
// remote address, dropping the ephemeral port so one client maps to one
// counter. Call sites with a semantic identity (user id, phone number)
// should pass that instead for per-identity limits.
func SubjectFromAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
