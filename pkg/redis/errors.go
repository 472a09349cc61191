package redis

import (
	"errors"

	"github.com/ammar0144/repokit/pkg/cache"
)

// Sentinel errors for Redis operations
var (
	// ErrCacheDisabled is returned when attempting operations on a disabled cache
	ErrCacheDisabled = errors.New("redis cache is disabled")

	// ErrClientNotInitialized is returned when the Redis client is nil
	ErrClientNotInitialized = errors.New("redis client not initialized")

	// ErrConnectionFailed is returned when Redis connection cannot be established
	ErrConnectionFailed = errors.New("redis connection failed")

	// ErrCorruptEntry is returned when a stored hash is missing its value field
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrInvalidKey is shared with the cache package so callers match one sentinel
	ErrInvalidKey = cache.ErrInvalidKey
)

// IsCacheDisabled checks if an error is ErrCacheDisabled
func IsCacheDisabled(err error) bool {
	return errors.Is(err, ErrCacheDisabled)
}

// IsConnectionFailed checks if an error is ErrConnectionFailed
func IsConnectionFailed(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}
