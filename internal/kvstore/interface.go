// Package kvstore implements the persistence contract the Execution
// Controller and Risk Guard rely on for crash-recoverable state: trade
// records, entry cooldowns, per-symbol open locks, and position/health
// snapshots. The Redis-backed Store is the primary implementation; an
// in-memory fallback keeps the process running through a store outage
// at the cost of crash-recovery guarantees.
package kvstore

import (
	"context"
	"time"
)

// Store is the narrow contract the core depends on. It is kept small
// deliberately: no multi-key transactions, no sorted sets, nothing
// beyond what trade persistence and distributed locking need.
type Store interface {
	// Set writes value under key with the given TTL. ttl <= 0 means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrKeyNotFound if key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is currently set (used for cooldown
	// checks, where the value itself is irrelevant).
	Exists(ctx context.Context, key string) (bool, error)

	// AcquireLock implements SET NX EX: it returns a fencing token and
	// true if the caller now holds the lock, or an empty token and
	// false if someone else already does.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// ReleaseLock deletes key only if its current value still matches
	// token, so a lock that expired and was re-acquired by someone
	// else is never deleted out from under them. A TTL always
	// backstops a lock nobody releases.
	ReleaseLock(ctx context.Context, key, token string) error

	// ScanPrefix returns every key currently set under prefix, used for
	// startup trade recovery ("scan trade:*").
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Close releases underlying connections.
	Close() error
}
