// Package cache implements cache-aside reads over a pluggable byte-oriented backend.
//
// Two backends satisfy Backend: MemoryBackend, which invalidates everything in O(1) by advancing
// a generation counter, and the Redis-backed manager in pkg/redis, which clears by sweeping its
// key prefix because a generation shared across processes is not kept there.
package cache

import (
	"context"
	"errors"
	"time"
)

// Backend stores opaque values under string keys. Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the value and true on a live hit; a hit extends the entry's sliding deadline
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value with a sliding ttl
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Remove deletes key and reports whether a live entry was removed
	Remove(ctx context.Context, key string) (bool, error)
	// Exists reports whether a live entry is stored under key
	Exists(ctx context.Context, key string) (bool, error)
	// ClearAll invalidates every entry
	ClearAll(ctx context.Context) error
}

// Backend types selectable from configuration
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// DefaultTTL is the sliding expiration applied when a caller gives none
const DefaultTTL = 30 * time.Minute

var (
	// ErrInvalidKey is returned for empty cache keys
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrSerializationFailed wraps codec failures on the write path
	ErrSerializationFailed = errors.New("cache serialization failed")
)
