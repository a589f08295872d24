package store

import (
	"context"
	"time"
)

// KV is the shared, TTL-capable key-value store every pipeline component
// uses for cross-request state: rate counters, the penalty box, burst
// windows, session fingerprints and the per-user session registry.
//
// Every read-modify-write operation is atomic with respect to concurrent
// workers touching the same key; callers never implement their own
// check-then-set on top of Get/Set for counters or windows.
type KV interface {
	// Incr increments the counter at key and returns the new value. The ttl
	// applies from the first increment; once the key expires the counter
	// resets to zero (reset-on-expiry, not a sliding window).
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetCount returns the current counter value, zero if absent or expired.
	GetCount(ctx context.Context, key string) (int64, error)

	// Get returns the raw value at key, with ok=false if absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value at key with the given ttl (0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// RecordTimestamp appends the current time to the rolling window at key,
	// prunes entries older than window, and returns how many remain
	// (including the one just added).
	RecordTimestamp(ctx context.Context, key string, window, ttl time.Duration) (int, error)

	// PushCapped prepends value to the list at key, trims the list to at
	// most max entries (newest kept), and returns the resulting entries
	// newest-first.
	PushCapped(ctx context.Context, key string, value []byte, max int, ttl time.Duration) ([][]byte, error)
}
