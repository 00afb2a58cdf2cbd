package config

import (
	"time"

	"github.com/mohammadhprp/nextlimit/internal/storage"
	"go.uber.org/zap"
)

const redisDialTimeout = 5 * time.Second

// RedisOptions maps the Redis settings onto store options.
func (c *Config) RedisOptions() storage.RedisOptions {
	return storage.RedisOptions{
		Addr:        c.RedisAddr(),
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		DialTimeout: redisDialTimeout,
		OpTimeout:   c.Redis.OpTimeout,
	}
}

// NewStore returns the store selected by STORAGE_BACKEND. The Redis store
// connects lazily on first use.
func NewStore(cfg Config, logger *zap.Logger) (storage.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Backend == BackendRedis {
		logger.Info("using redis storage", zap.String("addr", cfg.RedisAddr()))
		return storage.NewRedisStore(cfg.RedisOptions(), logger), nil
	}

	logger.Info("using in-memory storage")
	return storage.NewMemoryStore(), nil
}
