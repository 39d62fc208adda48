// Package kv abstracts the shared, cluster-visible key-value store the relay
// uses for maker exclusivity locks and the ephemeral liquidity book. The
// primitives are deliberately the smallest set that supports TTL-bound
// atomic set-if-absent; correctness of the lock protocol depends on SetNX
// being a single atomic call against the shared backend.
package kv

import (
	"context"
	"time"
)

// Store is the shared key-value surface. All implementations must honor TTL
// expiry without any explicit cleanup call.
type Store interface {
	// SetNX atomically sets key to value with a TTL iff the key is absent.
	// It reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set writes key to value, replacing any previous value. A zero TTL
	// means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a key. The second result is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// TTL returns the remaining time-to-live of a key, or zero when the
	// key is absent or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Scan returns all live key/value pairs whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string]string, error)

	// Close releases the backend connection.
	Close() error
}
