// Package kv defines the atomic key-value store the claim protocol runs on.
//
// Correctness of counters, locks and bindings requires every operation here
// to be linearizable per key. The Redis implementation satisfies this on a
// single instance; an eventually consistent backend must not be used.
package kv

import (
	"context"
	"time"
)

// Store is the atomic primitive set the claim core is built on. All methods
// are single-key and atomic; no multi-key transactions are assumed.
type Store interface {
	// Get returns the value for key. found is false if the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set unconditionally writes key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key only if absent. Returns true if the write happened.
	// A zero ttl means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// IncrBy atomically adds delta (which may be negative) to the integer
	// at key, creating it at zero if absent, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// ExpireAt sets an absolute expiry on an existing key. Expiring an
	// absent key is a no-op.
	ExpireAt(ctx context.Context, key string, at time.Time) error

	// Del removes key. Deleting an absent key is a no-op.
	Del(ctx context.Context, key string) error

	// CompareAndDelete removes key only if its current value equals
	// expect. Returns true if the key was removed. This is the fenced
	// release primitive for lease tokens.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// Scan returns all live keys with the given prefix. Used only by
	// low-frequency maintenance paths, never in the claim hot path.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
}
