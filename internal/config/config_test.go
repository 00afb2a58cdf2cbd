package config_test

import (
	"testing"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/config"
	"github.com/mohammadhprp/nextlimit/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"APP_PORT", "GRPC_PORT", "STORAGE_BACKEND", "RATE_LIMIT_WINDOW", "RATE_LIMIT_LIMIT", "REDIS_OP_TIMEOUT"} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 50051, cfg.GRPC.Port)
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, int64(100), cfg.RateLimit.Limit)
	assert.Equal(t, time.Second, cfg.Redis.OpTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_HOST", "127.0.0.1")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("GRPC_PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "Redis")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_OP_TIMEOUT", "250ms")
	t.Setenv("RATE_LIMIT_STRATEGY", "fixed-window")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("RATE_LIMIT_LIMIT", "5")
	t.Setenv("RATE_LIMIT_ON_ERROR", "allow")
	t.Setenv("RATE_LIMIT_PREFIX", "")

	cfg := config.Load()

	assert.Equal(t, "127.0.0.1:8080", cfg.ServerAddr())
	assert.Equal(t, "127.0.0.1:9090", cfg.GRPCAddr())
	assert.Equal(t, "cache:6380", cfg.RedisAddr())
	assert.Equal(t, config.BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, config.RateLimitConfig{
		Strategy: "fixed-window",
		Window:   30 * time.Second,
		Limit:    5,
		OnError:  "allow",
	}, cfg.RateLimit)

	opts := cfg.RedisOptions()
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 250*time.Millisecond, opts.OpTimeout)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("APP_PORT", "not-a-port")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")

	cfg := config.Load()

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestValidate(t *testing.T) {
	cfg := config.Load()
	cfg.Storage.Backend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg.Storage.Backend = config.BackendMemory
	cfg.GRPC.Port = cfg.Server.Port
	assert.Error(t, cfg.Validate())
}

func TestNewStore(t *testing.T) {
	cfg := config.Load()
	cfg.Storage.Backend = config.BackendMemory
	cfg.GRPC.Port = cfg.Server.Port + 1

	store, err := config.NewStore(cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &storage.MemoryStore{}, store)

	cfg.Storage.Backend = config.BackendRedis
	store, err = config.NewStore(cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &storage.RedisStore{}, store)
}

func TestInitLogger(t *testing.T) {
	logger, err := config.InitLogger("info", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))

	logger, err = config.InitLogger("DEBUG", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = config.InitLogger("loud", "console")
	assert.Error(t, err)
}
