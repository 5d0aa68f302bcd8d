// Package kv abstracts the shared key/value store that concurrent request
// handlers coordinate through: rate-limit buckets, advisory locks, and
// pending drafts.
//
// Workers do not share memory, so every piece of cross-request state goes
// through a [Store]. The production implementation is Redis ([NewRedis]);
// [NewMemory] provides an in-process equivalent for tests and single-node
// development.
package kv

import (
	"context"
	"time"
)

// Store is a minimal TTL-aware key/value surface. Implementations must be
// safe for concurrent use.
//
// TTLs span two regimes: seconds for locks and drafts, minutes to hours for
// rate buckets. A ttl of 0 means no expiry.
type Store interface {
	// Get returns the value for key. The second result is false when the key
	// is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any existing entry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Add stores value under key only if the key is absent (set-if-absent).
	// Returns true when the write happened. Used as an advisory lock.
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetDel atomically reads and deletes key. The second result is false
	// when the key was absent or expired. This is the claim primitive that
	// gives drafts their at-most-once consume guarantee.
	GetDel(ctx context.Context, key string) (string, bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
