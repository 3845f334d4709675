package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: key not found")

// KV is the persistence boundary for the orchestration core.
// Any key-value store with TTL and atomic set operations satisfies it;
// the production implementation is Redis.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Scan returns all keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// SAdd adds members to the set stored at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set stored at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set stored at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Close releases the underlying connection.
	Close() error
}
