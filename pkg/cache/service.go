package cache

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// Service layers get-or-set semantics over a Backend.
//
// Reads are resilient: a backend error on the read path is logged and treated as a miss.
// Concurrent misses on the same key share one factory call.
//
// epoch advances on every ClearAll. A factory result is only stored when the epoch it started
// under is still current, so nothing computed before an invalidation outlives it.
type Service struct {
	backend    Backend
	defaultTTL time.Duration
	group      singleflight.Group
	epoch      atomic.Uint64
	metrics    *Metrics
	log        logrus.FieldLogger
}

// Option configures a Service
type Option func(*Service)

// WithDefaultTTL sets the sliding expiration used when a call passes none
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithLogger sets the logger for read-path failures
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService creates a cache-aside service over backend
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:    backend,
		defaultTTL: DefaultTTL,
		metrics:    NewMetrics(),
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "cache")
	return s
}

// NewMemoryService creates a service over a default-sized in-process backend
func NewMemoryService(opts ...Option) *Service {
	backend, err := NewMemoryBackend(DefaultMemoryConfig())
	if err != nil {
		// DefaultMemoryConfig always validates
		panic(err)
	}
	return NewService(backend, opts...)
}

// Backend returns the underlying backend
func (s *Service) Backend() Backend {
	return s.backend
}

// DefaultTTL returns the service's default sliding expiration
func (s *Service) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Metrics returns a snapshot of the service's counters
func (s *Service) Metrics() MetricsSnapshot {
	return s.metrics.GetSnapshot()
}

func (s *Service) ttl(ttl []time.Duration) time.Duration {
	if len(ttl) > 0 && ttl[0] > 0 {
		return ttl[0]
	}
	return s.defaultTTL
}

// read fetches raw bytes, folding backend failures into misses
func (s *Service) read(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := s.backend.Get(ctx, key)
	s.metrics.RecordGet()
	if err != nil {
		s.metrics.RecordCacheError()
		s.log.WithError(err).WithField("key", key).Warn("cache read failed, falling back to source")
		return nil, false
	}
	return data, ok
}

func (s *Service) write(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	err = s.backend.Set(ctx, key, data, ttl)
	s.metrics.RecordSet()
	if err != nil {
		s.metrics.RecordCacheError()
		return fmt.Errorf("cache write %q: %w", key, err)
	}
	return nil
}

// Get returns the cached value for key. Absent, expired, undecodable and zero values are misses.
func Get[T any](ctx context.Context, s *Service, key string) (T, bool) {
	var value T
	if key == "" {
		return value, false
	}
	data, ok := s.read(ctx, key)
	if !ok {
		s.metrics.RecordCacheMiss()
		return value, false
	}
	if err := msgpack.Unmarshal(data, &value); err != nil {
		s.metrics.RecordCacheError()
		s.log.WithError(err).WithField("key", key).Warn("cache value undecodable, treating as miss")
		var zero T
		return zero, false
	}
	if isZero(value) {
		s.metrics.RecordCacheMiss()
		return value, false
	}
	s.metrics.RecordCacheHit()
	return value, true
}

// Set stores value under key with a sliding ttl (service default when omitted)
func Set[T any](ctx context.Context, s *Service, key string, value T, ttl ...time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	return s.write(ctx, key, value, s.ttl(ttl))
}

// GetOrSet returns the cached value for key, or calls factory, stores its result and returns it.
// Concurrent misses on one key run factory once and share its result and error.
// Failing to store a fresh value is logged; the value is still returned.
//
// The shared factory runs detached from any single caller's cancellation; each caller stops
// waiting when its own ctx is done. A result whose computation overlapped a ClearAll is returned
// to the callers that asked for it but never stored.
func GetOrSet[T any](ctx context.Context, s *Service, key string, factory func(context.Context) (T, error), ttl ...time.Duration) (T, error) {
	var zero T
	if key == "" {
		return zero, ErrInvalidKey
	}
	epoch := s.epoch.Load()
	if value, ok := Get[T](ctx, s, key); ok {
		return value, nil
	}

	expiration := s.ttl(ttl)
	flightKey := strconv.FormatUint(epoch, 10) + ":" + key
	flight := s.group.DoChan(flightKey, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		value, err := factory(fctx)
		if err != nil {
			return value, err
		}
		s.populate(fctx, key, value, expiration, epoch)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-flight:
		s.metrics.RecordFactoryCall(res.Shared)
		value, _ := res.Val.(T)
		return value, res.Err
	}
}

// populate stores a factory result computed under epoch. A write that raced a ClearAll is undone,
// since the clear may have swept the backend before the write landed.
func (s *Service) populate(ctx context.Context, key string, value any, ttl time.Duration, epoch uint64) {
	if s.epoch.Load() != epoch {
		s.metrics.RecordDiscardedWrite()
		return
	}
	if err := s.write(ctx, key, value, ttl); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache populate failed")
		return
	}
	if s.epoch.Load() != epoch {
		s.metrics.RecordDiscardedWrite()
		if _, err := s.backend.Remove(ctx, key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("cache discard of stale value failed")
		}
	}
}

// Remove deletes key and reports whether a live entry was removed
func (s *Service) Remove(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	removed, err := s.backend.Remove(ctx, key)
	s.metrics.RecordDelete()
	return removed, err
}

// Exists reports whether a live entry is stored under key
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	return s.backend.Exists(ctx, key)
}

// ClearAll invalidates every entry in the backend
func (s *Service) ClearAll(ctx context.Context) error {
	s.epoch.Add(1)
	if err := s.backend.ClearAll(ctx); err != nil {
		return err
	}
	s.metrics.RecordInvalidation()
	return nil
}

func isZero[T any](value T) bool {
	v := reflect.ValueOf(&value).Elem()
	return v.IsZero()
}
