package redis

import (
	"fmt"
	"time"
)

// Config holds Redis cache configuration
type Config struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
	// KeyPrefix namespaces every key; ClearAll sweeps only this prefix
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// Redis Connection
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database int    `json:"database" yaml:"database"`

	// Connection Pool
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns"`
	MaxConnAge   time.Duration `json:"max_conn_age" yaml:"max_conn_age"`
	PoolTimeout  time.Duration `json:"pool_timeout" yaml:"pool_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// Performance
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// Clustering (for Redis Cluster)
	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`

	// Large Value Handling
	CompressThreshold int  `json:"compress_threshold" yaml:"compress_threshold"` // Auto-compress above this size
	EnableCompression bool `json:"enable_compression" yaml:"enable_compression"`

	// ScanBatchSize is the COUNT hint used while sweeping keys
	ScanBatchSize int64 `json:"scan_batch_size" yaml:"scan_batch_size"`
}

// ClusterConfig for Redis Cluster setup
type ClusterConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Addresses []string `json:"addresses" yaml:"addresses"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"password" yaml:"password"`
}

// DefaultConfig returns a Redis configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		DefaultTTL:        30 * time.Minute,
		KeyPrefix:         "repokit",
		Host:              "localhost",
		Port:              6379,
		Database:          0,
		PoolSize:          10,
		MinIdleConns:      3,
		MaxConnAge:        time.Hour,
		PoolTimeout:       time.Second * 4,
		IdleTimeout:       time.Minute * 5,
		ReadTimeout:       time.Second * 3,
		WriteTimeout:      time.Second * 3,
		DialTimeout:       time.Second * 5,
		CompressThreshold: 1024 * 100, // Compress values larger than 100KB
		EnableCompression: true,
		ScanBatchSize:     100,
	}
}

// Validate checks if the Redis configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil // Skip validation if cache is disabled
	}

	if !c.IsClusterMode() {
		if c.Host == "" {
			return fmt.Errorf("redis host is required when cache is enabled")
		}
		if c.Port <= 0 {
			return fmt.Errorf("redis port must be positive")
		}
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive when cache is enabled")
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("key_prefix is required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1")
	}
	if c.EnableCompression && c.CompressThreshold <= 0 {
		return fmt.Errorf("compress_threshold must be positive when compression is enabled")
	}

	return nil
}

// GetAddr returns the Redis connection address
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsClusterMode returns true if Redis cluster is enabled
func (c *Config) IsClusterMode() bool {
	return c.Cluster.Enabled && len(c.Cluster.Addresses) > 0
}
