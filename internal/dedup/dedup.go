// Package dedup provides the idempotency store that guarantees at-most-once
// dispatch per alert fingerprint within a TTL window. Callers claim a
// fingerprint with AddIfAbsent after the policy decision and before any side
// effect; exactly one concurrent caller wins the claim.
package dedup

import (
	"context"
	"time"
)

// Store records alert fingerprints with a TTL.
type Store interface {
	// AddIfAbsent atomically inserts key if it is not present and returns
	// true when this call created the entry. A false return means another
	// caller already holds the fingerprint and the alert is a duplicate.
	AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Len returns the number of live (unexpired) fingerprints.
	Len(ctx context.Context) (int64, error)

	Close() error
}
