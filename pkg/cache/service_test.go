package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID   int
	Name string
}

// failingBackend wraps a backend and fails reads and/or writes on demand
type failingBackend struct {
	Backend
	failGet bool
	failSet bool
}

func (f *failingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.failGet {
		return nil, false, errors.New("backend unavailable")
	}
	return f.Backend.Get(ctx, key)
}

func (f *failingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSet {
		return errors.New("backend unavailable")
	}
	return f.Backend.Set(ctx, key, value, ttl)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestService(t *testing.T, wrap func(Backend) Backend) *Service {
	t.Helper()
	b, err := NewMemoryBackend(DefaultMemoryConfig())
	require.NoError(t, err)
	var backend Backend = b
	if wrap != nil {
		backend = wrap(b)
	}
	return NewService(backend, WithLogger(quietLogger()))
}

func TestService_SetGet(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	want := []item{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}
	require.NoError(t, Set(ctx, s, "items", want))

	got, ok := Get[[]item](ctx, s, "items")
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = Get[[]item](ctx, s, "missing")
	assert.False(t, ok)

	snap := s.Metrics()
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)
}

func TestService_ZeroValueIsMiss(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, Set(ctx, s, "n", 0))
	_, ok := Get[int](ctx, s, "n")
	assert.False(t, ok)

	calls := 0
	v, err := GetOrSet(ctx, s, "n", func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, calls)
}

func TestService_GetOrSetCachesResult(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	calls := 0
	factory := func(context.Context) (item, error) {
		calls++
		return item{ID: 9, Name: "cached"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetOrSet(ctx, s, "k", factory, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "cached", v.Name)
	}
	assert.Equal(t, 1, calls)
}

func TestService_GetOrSetFactoryErrorNotCached(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := GetOrSet(ctx, s, "k", func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestService_ConcurrentMissesShareOneFactoryCall(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	factory := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "value", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := GetOrSet(ctx, s, "hot", factory)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "value", v)
	}
}

func TestService_ReadErrorIsMiss(t *testing.T) {
	s := newTestService(t, func(b Backend) Backend { return &failingBackend{Backend: b, failGet: true} })
	ctx := context.Background()

	calls := 0
	v, err := GetOrSet(ctx, s, "k", func(context.Context) (string, error) {
		calls++
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), s.Metrics().CacheErrors)
}

func TestService_WriteErrorLoggedNotReturned(t *testing.T) {
	s := newTestService(t, func(b Backend) Backend { return &failingBackend{Backend: b, failSet: true} })
	ctx := context.Background()

	v, err := GetOrSet(ctx, s, "k", func(context.Context) (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	// Set surfaces the same failure
	assert.Error(t, Set(ctx, s, "k", "x"))
}

func TestService_RemoveExistsClearAll(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, Set(ctx, s, "a", "1"))
	require.NoError(t, Set(ctx, s, "b", "2"))

	removed, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, s.ClearAll(ctx))
	exists, err := s.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, uint64(1), s.Metrics().InvalidationCount)
}

func TestService_InvalidKey(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, Set(ctx, s, "", "v"), ErrInvalidKey)
	_, err := GetOrSet(ctx, s, "", func(context.Context) (string, error) { return "v", nil })
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.Remove(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.Exists(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestService_DefaultTTLOption(t *testing.T) {
	s := NewMemoryService(WithDefaultTTL(time.Hour), WithLogger(quietLogger()))
	assert.Equal(t, time.Hour, s.DefaultTTL())

	s = NewMemoryService(WithDefaultTTL(-time.Second))
	assert.Equal(t, DefaultTTL, s.DefaultTTL())
}

func TestService_ClearAllDuringFactoryDropsResult(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string)
	go func() {
		v, err := GetOrSet(ctx, s, "report", func(context.Context) (string, error) {
			close(started)
			<-release
			return "computed-before-clear", nil
		})
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	require.NoError(t, s.ClearAll(ctx))

	// a caller arriving after the clear starts its own factory run
	after, err := GetOrSet(ctx, s, "report", func(context.Context) (string, error) { return "computed-after-clear", nil })
	require.NoError(t, err)
	assert.Equal(t, "computed-after-clear", after)

	close(release)
	assert.Equal(t, "computed-before-clear", <-done, "the original caller still gets its result")

	calls := 0
	v, err := GetOrSet(ctx, s, "report", func(context.Context) (string, error) {
		calls++
		return "recomputed", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "computed-after-clear", v)
	assert.Equal(t, 0, calls)
	assert.Equal(t, uint64(1), s.Metrics().DiscardedWrites)
}

func TestService_ClearAllDuringFactoryNothingStored(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := GetOrSet(ctx, s, "report", func(context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
		assert.NoError(t, err)
	}()

	<-started
	require.NoError(t, s.ClearAll(ctx))
	close(release)
	<-done

	exists, err := s.Exists(ctx, "report")
	require.NoError(t, err)
	assert.False(t, exists)

	calls := 0
	v, err := GetOrSet(ctx, s, "report", func(context.Context) (string, error) {
		calls++
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, 1, calls)
}

func TestService_WaiterOutlivesCancelledCaller(t *testing.T) {
	s := newTestService(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var factoryErr atomic.Value
	factory := func(ctx context.Context) (string, error) {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			factoryErr.Store(err)
		}
		return "value", nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := GetOrSet(leaderCtx, s, "hot", factory)
		leaderErr <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		v, err := GetOrSet(context.Background(), s, "hot", factory)
		waiter <- result{v, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, "value", got.v)
	assert.Nil(t, factoryErr.Load(), "the shared factory is not cancelled with its first caller")
}

func TestMetrics_SnapshotAndReset(t *testing.T) {
	m := NewMetrics()
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordFactoryCall(false)
	m.RecordFactoryCall(true)
	m.RecordCompression(128)

	snap := m.GetSnapshot()
	assert.Equal(t, 75.0, snap.CacheHitRate)
	assert.Equal(t, uint64(1), snap.FactoryCalls)
	assert.Equal(t, uint64(1), snap.SharedResults)
	assert.Equal(t, uint64(128), snap.CompressionBytesSaved)

	m.Reset()
	assert.Equal(t, MetricsSnapshot{}, m.GetSnapshot())
}
