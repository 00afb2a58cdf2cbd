package transport

import (
	"context"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/handler"
	"github.com/mohammadhprp/nextlimit/internal/middleware"
	"github.com/mohammadhprp/nextlimit/internal/service"
	"go.uber.org/zap"
)

// Server defines the interface for different transport implementations (HTTP, gRPC, etc.)
type Server interface {
	// Start starts the transport server
	Start(ctx context.Context) error

	// Stop gracefully stops the transport server
	Stop(ctx context.Context) error

	// Addr returns the address the server is listening on
	Addr() string
}

// ServerConfig contains common configuration for all transport servers
type ServerConfig struct {
	Address      string                    // Address to listen on (e.g., "localhost:8080" or ":50051")
	RateLimit    *service.RateLimitService // Policy registry and checks
	Health       *service.HealthService    // Store health
	Logger       *zap.Logger               // Shared logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// APILimiter, when set, rate limits the /ratelimit routes per client IP.
	APILimiter middleware.Checker
	// HealthInterval is how often the gRPC health watcher pings the store.
	HealthInterval time.Duration
}

// ServiceHandlers contains all service handlers
type ServiceHandlers struct {
	HealthCheck *handler.HealthCheckHandler
	RateLimit   *handler.RateLimitHandler
}

func newServiceHandlers(cfg ServerConfig) *ServiceHandlers {
	return &ServiceHandlers{
		HealthCheck: handler.NewHealthCheckHandler(cfg.Health, cfg.Logger),
		RateLimit:   handler.NewRateLimitHandler(cfg.RateLimit, cfg.Logger),
	}
}
