package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds application configuration sourced from environment variables.
type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	Storage   StorageConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RateLimitPolicy, when set, names the policy that guards the /ratelimit API per client IP
	RateLimitPolicy string
}

// GRPCConfig contains gRPC server settings
type GRPCConfig struct {
	Port int
}

// StorageConfig selects the backing store
type StorageConfig struct {
	Backend string // memory, redis
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

// RateLimitConfig is the policy served under the name "default"
type RateLimitConfig struct {
	Strategy string // fixed-window, sliding-window
	Window   time.Duration
	Limit    int64
	Prefix   string
	OnError  string // allow, deny, throw
}

// Load reads environment variables into Config. It expects godotenv to have been
// executed by the caller when needed (e.g. in development).
func Load() Config {
	server := ServerConfig{
		Host:         getEnv("APP_HOST", "0.0.0.0"),
		Port:         getEnvAsInt("APP_PORT", 3000),
		ReadTimeout:  getEnvAsDuration("APP_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getEnvAsDuration("APP_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getEnvAsDuration("APP_IDLE_TIMEOUT", 10*time.Second),

		RateLimitPolicy: getEnv("APP_RATE_LIMIT_POLICY", ""),
	}

	grpc := GRPCConfig{
		Port: getEnvAsInt("GRPC_PORT", 50051),
	}

	storage := StorageConfig{
		Backend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory)),
	}

	redis := RedisConfig{
		Host:      getEnv("REDIS_HOST", "localhost"),
		Port:      getEnvAsInt("REDIS_PORT", 6379),
		Password:  getEnv("REDIS_PASSWORD", ""),
		DB:        getEnvAsInt("REDIS_DB", 0),
		PoolSize:  getEnvAsInt("REDIS_POOL_SIZE", 10),
		OpTimeout: getEnvAsDuration("REDIS_OP_TIMEOUT", time.Second),
	}

	rateLimit := RateLimitConfig{
		Strategy: getEnv("RATE_LIMIT_STRATEGY", "sliding-window"),
		Window:   getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		Limit:    int64(getEnvAsInt("RATE_LIMIT_LIMIT", 100)),
		Prefix:   getEnv("RATE_LIMIT_PREFIX", ""),
		OnError:  getEnv("RATE_LIMIT_ON_ERROR", "deny"),
	}

	log := LogConfig{
		Level:  getEnv("LOG_LEVEL", "debug"),
		Format: getEnv("LOG_FORMAT", "console"),
	}

	return Config{
		Server:    server,
		GRPC:      grpc,
		Storage:   storage,
		Redis:     redis,
		RateLimit: rateLimit,
		Log:       log,
	}
}

// Validate checks the settings that cannot fall back to a default.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if c.Server.Port == c.GRPC.Port {
		return fmt.Errorf("config: APP_PORT and GRPC_PORT must differ, both are %d", c.Server.Port)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	dur, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return dur
}

func LoadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("warning: could not load .env: %v", err)
		}
	}
}

// RedisAddr returns the Redis address in host:port format
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ServerAddr returns the server address in host:port format
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr returns the gRPC listen address in host:port format
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.GRPC.Port)
}
