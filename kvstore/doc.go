// Package kvstore wraps a networked Redis instance behind the typed
// operations the rest of the service is built on: TTL'd reads and writes,
// an atomic fixed-window increment, and a short-lived advisory lock.
//
// Logical instances share one physical Redis and are distinguished by a
// key-prefix namespace. A Registry hands out one live Store per
// (host, port, db, namespace) tuple; components receive their Store by
// injection from application start-up and never dial Redis themselves.
package kvstore
