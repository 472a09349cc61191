// Package repokit provides a GORM-based generic repository engine
// with unit-of-work transactions and cache-aside query caching.
package repokit

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ammar0144/repokit/pkg/cache"
	"github.com/ammar0144/repokit/pkg/db"
	"github.com/ammar0144/repokit/pkg/logging"
	"github.com/ammar0144/repokit/pkg/redis"
	"github.com/ammar0144/repokit/pkg/repository"
	"github.com/ammar0144/repokit/pkg/uow"
)

// DatabaseConfig represents database configuration
type DatabaseConfig = db.Config

// RedisConfig represents Redis configuration
type RedisConfig = redis.Config

// Repository provides the generic repository interface
type Repository[T any] interface {
	repository.Repository[T]
}

// CacheConfig selects and sizes the cache backend
type CacheConfig struct {
	Type       string             `json:"type" yaml:"type"` // memory or redis
	DefaultTTL time.Duration      `json:"default_ttl" yaml:"default_ttl"`
	Memory     cache.MemoryConfig `json:"memory" yaml:"memory"`
	Redis      *redis.Config      `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// Config wires the database, cache and logger of an Engine.
// Database.Logging configures both the engine logger and statement tracing.
type Config struct {
	Database db.Config   `json:"database" yaml:"database"`
	Cache    CacheConfig `json:"cache" yaml:"cache"`
}

// DefaultConfig returns a MySQL configuration with an in-process cache
func DefaultConfig() *Config {
	return &Config{
		Database: *db.DefaultConfig(),
		Cache: CacheConfig{
			Type:       cache.TypeMemory,
			DefaultTTL: cache.DefaultTTL,
			Memory:     cache.DefaultMemoryConfig(),
		},
	}
}

// Validate checks the database and cache sections
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	return c.Cache.Validate()
}

// Validate checks the selected backend's settings
func (c *CacheConfig) Validate() error {
	if c.DefaultTTL < 0 {
		return &db.ConfigError{Field: "cache.default_ttl", Message: "cannot be negative"}
	}
	switch c.backendType() {
	case cache.TypeMemory:
		if err := c.Memory.Validate(); err != nil {
			return &db.ConfigError{Field: "cache.memory", Message: err.Error()}
		}
	case cache.TypeRedis:
		if c.Redis == nil {
			return &db.ConfigError{Field: "cache.redis", Message: "required when type is redis"}
		}
		if err := c.Redis.Validate(); err != nil {
			return &db.ConfigError{Field: "cache.redis", Message: err.Error()}
		}
	default:
		return &db.ConfigError{Field: "cache.type", Message: fmt.Sprintf("unsupported cache type %q", c.Type)}
	}
	return nil
}

func (c *CacheConfig) backendType() string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	if t == "" {
		return cache.TypeMemory
	}
	return t
}

// LoadConfig reads a YAML file over DefaultConfig. Keys absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &db.ConfigError{Field: "file", Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return config, nil
}

// Engine owns the database pool, the cache service and the logger shared by repositories and units of work
type Engine struct {
	db      *db.Manager
	cache   *cache.Service
	closers []func() error
	log     *logrus.Logger
}

// New validates config, opens the pool and builds the configured cache backend
func New(config *Config) (*Engine, error) {
	if config == nil {
		return nil, &db.ConfigError{Field: "config", Message: "cannot be nil"}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	log := logging.New(config.Database.Logging)

	manager, err := db.NewManager(&config.Database, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{db: manager, log: log}
	e.closers = append(e.closers, manager.Close)

	service, err := e.newCache(config.Cache)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	e.cache = service
	return e, nil
}

// NewWithManager builds an engine over an already opened pool and cache service
func NewWithManager(manager *db.Manager, service *cache.Service, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if service == nil {
		service = cache.NewMemoryService(cache.WithLogger(log))
	}
	return &Engine{db: manager, cache: service, log: log}
}

func (e *Engine) newCache(config CacheConfig) (*cache.Service, error) {
	opts := []cache.Option{cache.WithDefaultTTL(config.DefaultTTL), cache.WithLogger(e.log)}

	if config.backendType() == cache.TypeRedis {
		manager, err := redis.NewManager(config.Redis)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, manager.Close)
		return cache.NewService(manager, opts...), nil
	}

	backend, err := cache.NewMemoryBackend(config.Memory)
	if err != nil {
		return nil, err
	}
	return cache.NewService(backend, opts...), nil
}

// DB returns the database manager
func (e *Engine) DB() *db.Manager {
	return e.db
}

// Cache returns the cache service
func (e *Engine) Cache() *cache.Service {
	return e.cache
}

// Logger returns the engine's logger
func (e *Engine) Logger() *logrus.Logger {
	return e.log
}

// NewRepository creates a repository for T on the engine's pool, sharing its cache and logger
func NewRepository[T any](e *Engine, opts ...repository.Option) (*repository.GenericRepository[T], error) {
	base := []repository.Option{repository.WithCache(e.cache), repository.WithLogger(e.log)}
	return repository.NewRepository[T](e.db, append(base, opts...)...)
}

// NewUnitOfWork creates an idle unit on the engine's pool
func (e *Engine) NewUnitOfWork(opts ...uow.Option) *uow.UnitOfWork {
	base := []uow.Option{uow.WithCache(e.cache), uow.WithLogger(e.log)}
	return uow.New(e.db, append(base, opts...)...)
}

// Close releases the cache connection and the database pool
func (e *Engine) Close() error {
	var firstErr error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
