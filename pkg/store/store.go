// Package store provides the narrow key-value boundary between the routing
// core and its shared durable store.
//
// The core never talks to Redis directly: rate limit counters, sync lock rows,
// and persisted health records all go through KVStore so the backend can be
// swapped (Redis in production, the in-process store in tests and as the
// degraded fallback).
package store

import (
	"context"
	"time"
)

// KVStore is the minimal store surface the routing core depends on.
// Implementations must be safe for concurrent use.
type KVStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key=value with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrBy atomically adds delta to the counter at key and returns the new
	// value. The TTL is attached when the counter is first created, so a
	// fixed window expires as a unit.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// InsertIfAbsent atomically writes key=value with the given TTL only if
	// no live value exists. Returns true when the insert won.
	InsertIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals value.
	// Returns true when the delete happened.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// CompareAndSet replaces the value at key with newValue (and a fresh TTL)
	// only if its current value equals oldValue. Returns true on success.
	CompareAndSet(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error)

	// Ping verifies the store connection is healthy.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Sweeper is implemented by stores without native TTL enforcement; Sweep
// removes rows whose TTL has elapsed.
type Sweeper interface {
	Sweep(ctx context.Context) int
}
