package redis

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ammar0144/repokit/pkg/cache"
)

const (
	cacheKeySeparator = ":"

	// hash fields of a stored entry
	fieldValue      = "v"
	fieldTTL        = "t"
	fieldCompressed = "z"
)

// slidingGet reads an entry and re-arms its expiry with the ttl stored alongside it,
// in one server-side step so concurrent readers cannot observe a half-applied slide.
var slidingGet = redis.NewScript(`
local e = redis.call('HMGET', KEYS[1], 'v', 't', 'z')
if not e[1] then
	return false
end
if e[2] then
	redis.call('PEXPIRE', KEYS[1], e[2])
end
return {e[1], e[3] or '0'}
`)

// globEscaper quotes SCAN MATCH metacharacters in the key prefix
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Manager is a distributed cache.Backend over Redis
type Manager struct {
	config        *Config
	client        redis.UniversalClient
	clusterClient *redis.ClusterClient
	metrics       *cache.Metrics
}

var _ cache.Backend = (*Manager)(nil)

// NewManager creates a new Redis cache manager
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	manager := &Manager{
		config:  config,
		metrics: cache.NewMetrics(),
	}

	// Initialize Redis client based on configuration
	if err := manager.initializeClient(); err != nil {
		return nil, fmt.Errorf("failed to initialize redis client: %w", err)
	}

	return manager, nil
}

// NewManagerWithClient wraps an existing client, e.g. one pointed at a test server
func NewManagerWithClient(config *Config, client redis.UniversalClient) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	manager := &Manager{
		config:  config,
		client:  client,
		metrics: cache.NewMetrics(),
	}
	if cc, ok := client.(*redis.ClusterClient); ok {
		manager.clusterClient = cc
	}
	return manager, nil
}

// initializeClient sets up the Redis client based on configuration
func (m *Manager) initializeClient() error {
	if !m.config.Enabled {
		return nil // Skip initialization if cache is disabled
	}

	if m.config.IsClusterMode() {
		m.clusterClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           m.config.Cluster.Addresses,
			Username:        m.config.Cluster.Username,
			Password:        m.config.Cluster.Password,
			PoolSize:        m.config.PoolSize,
			MinIdleConns:    m.config.MinIdleConns,
			ConnMaxLifetime: m.config.MaxConnAge,
			PoolTimeout:     m.config.PoolTimeout,
			ConnMaxIdleTime: m.config.IdleTimeout,
			ReadTimeout:     m.config.ReadTimeout,
			WriteTimeout:    m.config.WriteTimeout,
			DialTimeout:     m.config.DialTimeout,
		})
		m.client = m.clusterClient
	} else {
		m.client = redis.NewClient(&redis.Options{
			Addr:            m.config.GetAddr(),
			Username:        m.config.Username,
			Password:        m.config.Password,
			DB:              m.config.Database,
			PoolSize:        m.config.PoolSize,
			MinIdleConns:    m.config.MinIdleConns,
			ConnMaxLifetime: m.config.MaxConnAge,
			PoolTimeout:     m.config.PoolTimeout,
			ConnMaxIdleTime: m.config.IdleTimeout,
			ReadTimeout:     m.config.ReadTimeout,
			WriteTimeout:    m.config.WriteTimeout,
			DialTimeout:     m.config.DialTimeout,
		})
	}

	return nil
}

// Config returns the manager's configuration
func (m *Manager) Config() *Config {
	return m.config
}

// Close closes the Redis connection
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Ping tests the Redis connection
// Returns nil if cache is disabled (not an error condition)
// Returns ErrClientNotInitialized if client is not initialized
// Returns ErrConnectionFailed if ping fails
func (m *Manager) Ping(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}
	if m.client == nil {
		return ErrClientNotInitialized
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// checkClient validates that cache is enabled and client is initialized
func (m *Manager) checkClient() error {
	if !m.config.Enabled {
		return ErrCacheDisabled
	}
	if m.client == nil {
		return ErrClientNotInitialized
	}
	return nil
}

// buildKey namespaces key under the configured prefix
func (m *Manager) buildKey(key string) string {
	return m.config.KeyPrefix + cacheKeySeparator + key
}

// Get returns the value under key and slides its expiry
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.checkClient(); err != nil {
		return nil, false, err
	}
	if key == "" {
		return nil, false, ErrInvalidKey
	}

	res, err := slidingGet.Run(ctx, m.client, []string{m.buildKey(key)}).Slice()
	m.metrics.RecordGet()

	if err == redis.Nil {
		m.metrics.RecordCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		m.metrics.RecordCacheError()
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}
	if len(res) != 2 {
		m.metrics.RecordCacheError()
		return nil, false, fmt.Errorf("%w: %q", ErrCorruptEntry, key)
	}

	raw, ok := res[0].(string)
	if !ok {
		m.metrics.RecordCacheError()
		return nil, false, fmt.Errorf("%w: %q", ErrCorruptEntry, key)
	}
	data := []byte(raw)
	if flag, _ := res[1].(string); flag == "1" {
		data, err = m.decompressData(data)
		if err != nil {
			m.metrics.RecordCacheError()
			return nil, false, fmt.Errorf("failed to decompress %q: %w", key, err)
		}
	}

	m.metrics.RecordCacheHit()
	return data, true, nil
}

// Set stores value under key with a sliding ttl (DefaultTTL when ttl <= 0)
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.checkClient(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	data, compressed, err := m.encode(value)
	if err != nil {
		return err
	}

	flag := "0"
	if compressed {
		flag = "1"
	}

	redisKey := m.buildKey(key)
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		pipe.HSet(ctx, redisKey, fieldValue, data, fieldTTL, ttl.Milliseconds(), fieldCompressed, flag)
		pipe.PExpire(ctx, redisKey, ttl)
		return nil
	})
	m.metrics.RecordSet()
	if err != nil {
		m.metrics.RecordCacheError()
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// encode compresses value when it crosses the threshold and compression pays off
func (m *Manager) encode(value []byte) ([]byte, bool, error) {
	if !m.config.EnableCompression || len(value) <= m.config.CompressThreshold {
		return value, false, nil
	}
	compressed, err := m.compressData(value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to compress value: %w", err)
	}
	if len(compressed) >= len(value) {
		return value, false, nil
	}
	m.metrics.RecordCompression(uint64(len(value) - len(compressed)))
	return compressed, true, nil
}

// Remove deletes key and reports whether it existed
func (m *Manager) Remove(ctx context.Context, key string) (bool, error) {
	if err := m.checkClient(); err != nil {
		return false, err
	}
	if key == "" {
		return false, ErrInvalidKey
	}

	n, err := m.client.Del(ctx, m.buildKey(key)).Result()
	m.metrics.RecordDelete()
	if err != nil {
		m.metrics.RecordCacheError()
		return false, fmt.Errorf("redis delete error: %w", err)
	}
	return n > 0, nil
}

// Exists reports whether key is stored
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.checkClient(); err != nil {
		return false, err
	}
	if key == "" {
		return false, ErrInvalidKey
	}

	n, err := m.client.Exists(ctx, m.buildKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists error: %w", err)
	}
	return n > 0, nil
}

// ClearAll deletes every key under the prefix.
// SCAN is non-blocking and production-safe, unlike KEYS which blocks the Redis server.
// The sweep is O(n) in the number of prefixed keys; entries written while it runs may survive.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := m.checkClient(); err != nil {
		return err
	}

	pattern := globEscaper.Replace(m.config.KeyPrefix) + cacheKeySeparator + "*"
	if m.clusterClient != nil {
		// keys are spread across shards, sweep every master
		return m.clusterClient.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return m.sweep(ctx, node, pattern)
		})
	}
	return m.sweep(ctx, m.client, pattern)
}

func (m *Manager) sweep(ctx context.Context, client redis.Cmdable, pattern string) error {
	batchSize := m.config.ScanBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys with pattern %s: %w", pattern, err)
		}

		// Delete keys per batch to avoid large atomic operations
		if len(batch) > 0 {
			for _, key := range batch {
				if err := client.Del(ctx, key).Err(); err != nil {
					return fmt.Errorf("failed to delete %s: %w", key, err)
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	m.metrics.RecordInvalidation()
	return nil
}

// GetStats returns Redis server statistics
func (m *Manager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	if err := m.checkClient(); err != nil {
		return nil, err
	}

	stats := make(map[string]interface{})

	info := m.client.Info(ctx, "memory", "stats")
	if info.Err() != nil {
		return nil, fmt.Errorf("failed to get redis info: %w", info.Err())
	}

	stats["redis_info"] = info.Val()
	stats["metrics"] = m.metrics.GetSnapshot()
	return stats, nil
}

// GetMetrics returns a snapshot of the backend's counters
func (m *Manager) GetMetrics() cache.MetricsSnapshot {
	return m.metrics.GetSnapshot()
}

// ResetMetrics zeroes the backend's counters
func (m *Manager) ResetMetrics() {
	m.metrics.Reset()
}

// compressData compresses data using gzip
func (m *Manager) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompressData decompresses gzip data
func (m *Manager) decompressData(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
