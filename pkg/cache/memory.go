package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/viccon/sturdyc"
)

// MemoryConfig sizes the in-process store
type MemoryConfig struct {
	Capacity           int           `json:"capacity" yaml:"capacity"`
	NumShards          int           `json:"num_shards" yaml:"num_shards"`
	EvictionPercentage int           `json:"eviction_percentage" yaml:"eviction_percentage"`
	EvictionInterval   time.Duration `json:"eviction_interval" yaml:"eviction_interval"`
	// MaxLifetime bounds how long an entry may live since its last write, however often it is read
	MaxLifetime time.Duration `json:"max_lifetime" yaml:"max_lifetime"`
}

// DefaultMemoryConfig returns the in-process defaults
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:           10000,
		NumShards:          16,
		EvictionPercentage: 10,
		MaxLifetime:        24 * time.Hour,
	}
}

// Validate checks the store sizing
func (c MemoryConfig) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "capacity", Message: "must be greater than 0"}
	}
	if c.NumShards <= 0 {
		return &ConfigError{Field: "num_shards", Message: "must be greater than 0"}
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "eviction_percentage", Message: "must be between 1 and 100"}
	}
	if c.MaxLifetime <= 0 {
		return &ConfigError{Field: "max_lifetime", Message: "must be greater than 0"}
	}
	return nil
}

// ConfigError represents a cache configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "cache config error in field " + e.Field + ": " + e.Message
}

type memoryEntry struct {
	value      []byte
	generation uint64
	ttl        time.Duration
	// deadline in unix nanoseconds, pushed forward on every hit
	deadline atomic.Int64
}

// MemoryBackend keeps values in process memory.
// Every entry records the generation current at write time; ClearAll advances the generation,
// which turns all older entries into misses without visiting them.
type MemoryBackend struct {
	store      *sturdyc.Client[*memoryEntry]
	generation atomic.Uint64
	now        func() time.Time
}

// NewMemoryBackend creates an in-process backend
func NewMemoryBackend(config MemoryConfig) (*MemoryBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var opts []sturdyc.Option
	if config.EvictionInterval > 0 {
		opts = append(opts, sturdyc.WithEvictionInterval(config.EvictionInterval))
	}

	return &MemoryBackend{
		store: sturdyc.New[*memoryEntry](
			config.Capacity,
			config.NumShards,
			config.MaxLifetime,
			config.EvictionPercentage,
			opts...,
		),
		now: time.Now,
	}, nil
}

// WithClock replaces the time source; used to drive sliding expiration deterministically
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.now = now
	return b
}

// Generation returns the current generation
func (b *MemoryBackend) Generation() uint64 {
	return b.generation.Load()
}

// live returns the entry under key when it belongs to the current generation and is unexpired
func (b *MemoryBackend) live(key string) (*memoryEntry, bool) {
	entry, ok := b.store.Get(key)
	if !ok || entry == nil {
		return nil, false
	}
	if entry.generation != b.generation.Load() {
		return nil, false
	}
	if b.now().UnixNano() > entry.deadline.Load() {
		return nil, false
	}
	return entry, true
}

// Get returns a live value and slides its deadline
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := b.live(key)
	if !ok {
		return nil, false, nil
	}
	entry.deadline.Store(b.now().Add(entry.ttl).UnixNano())
	return entry.value, true, nil
}

// Set stores value stamped with the current generation
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry := &memoryEntry{
		value:      value,
		generation: b.generation.Load(),
		ttl:        ttl,
	}
	entry.deadline.Store(b.now().Add(ttl).UnixNano())
	b.store.Set(key, entry)
	return nil
}

// Remove deletes key and reports whether a live entry was present
func (b *MemoryBackend) Remove(_ context.Context, key string) (bool, error) {
	_, ok := b.live(key)
	b.store.Delete(key)
	return ok, nil
}

// Exists reports whether a live entry is stored under key
func (b *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	_, ok := b.live(key)
	return ok, nil
}

// ClearAll advances the generation. Stale entries stay in memory until the store evicts them.
func (b *MemoryBackend) ClearAll(context.Context) error {
	b.generation.Add(1)
	return nil
}

// Size returns the number of stored entries, stale ones included
func (b *MemoryBackend) Size() int {
	return b.store.Size()
}
