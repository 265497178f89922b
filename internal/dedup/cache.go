// Package dedup keeps a transaction from being credited twice. The Cache
// is a fast first line; the unique claim_key in payment_records stays the
// final authority.
package dedup

import (
	"context"
	"time"
)

// Cache is a small key/value store with expiry and atomic reservation.
type Cache interface {
	// Get returns the live value of key. Expired keys are absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Reserve stores value only if key is absent or expired. It reports
	// whether this caller won the key.
	Reserve(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Release deletes key only while it still holds value.
	Release(ctx context.Context, key, value string) error
}
