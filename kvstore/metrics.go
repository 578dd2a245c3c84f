package kvstore

import (
	"sync/atomic"
	"time"
)

// Metrics counts operations against one store instance. Counters are
// cumulative since construction or the last Reset.
type Metrics struct {
	commands  atomic.Uint64
	errors    atomic.Uint64
	latencyNS atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of a store's counters.
type MetricsSnapshot struct {
	Commands uint64
	Errors   uint64
	Latency  time.Duration
}

// observe records one completed command. Used as
// `defer m.observe(time.Now())` so the elapsed time covers the call.
func (m *Metrics) observe(start time.Time) {
	m.commands.Add(1)
	m.latencyNS.Add(int64(time.Since(start)))
}

// fail counts an error and returns it unchanged, so call sites can wrap
// and return in one expression.
func (m *Metrics) fail(err error) error {
	m.errors.Add(1)
	return err
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Commands: m.commands.Load(),
		Errors:   m.errors.Load(),
		Latency:  time.Duration(m.latencyNS.Load()),
	}
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.commands.Store(0)
	m.errors.Store(0)
	m.latencyNS.Store(0)
}
