package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultHealthInterval = 5 * time.Second

// GRPCServer implements the Server interface for gRPC transport
type GRPCServer struct {
	server         *grpc.Server
	health         *health.Server
	address        string
	logger         *zap.Logger
	handlers       *ServiceHandlers
	healthInterval time.Duration

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	watching sync.WaitGroup
}

// NewGRPCServer creates a new gRPC server
func NewGRPCServer(cfg ServerConfig, opts ...grpc.ServerOption) *GRPCServer {
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	gs := &GRPCServer{
		server:         grpc.NewServer(opts...),
		health:         health.NewServer(),
		address:        cfg.Address,
		logger:         cfg.Logger,
		handlers:       newServiceHandlers(cfg),
		healthInterval: interval,
	}

	gs.server.RegisterService(&RateLimitServiceDesc, &RateLimitServiceImpl{
		rateLimitService: cfg.RateLimit,
	})
	healthpb.RegisterHealthServer(gs.server, gs.health)

	return gs
}

// Start starts the gRPC server
func (gs *GRPCServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", gs.address)
	if err != nil {
		gs.logger.Error("Failed to listen on address", zap.String("address", gs.address), zap.Error(err))
		return err
	}

	gs.Serve(ctx, listener)
	return nil
}

// Serve serves on listener in the background and starts the health watcher.
func (gs *GRPCServer) Serve(ctx context.Context, listener net.Listener) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	gs.mu.Lock()
	gs.listener = listener
	gs.cancel = cancel
	gs.mu.Unlock()

	gs.logger.Info("Starting gRPC server", zap.String("address", listener.Addr().String()))

	gs.updateHealth(watchCtx)
	gs.watching.Add(1)
	go gs.watchHealth(watchCtx)

	go func() {
		if err := gs.server.Serve(listener); err != nil {
			gs.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the gRPC server
func (gs *GRPCServer) Stop(ctx context.Context) error {
	gs.logger.Info("Stopping gRPC server")

	gs.mu.Lock()
	if gs.cancel != nil {
		gs.cancel()
	}
	gs.mu.Unlock()
	gs.watching.Wait()
	gs.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		gs.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		gs.server.Stop()
		return ctx.Err()
	}
}

// Addr returns the address the gRPC server is listening on
func (gs *GRPCServer) Addr() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.listener != nil {
		return gs.listener.Addr().String()
	}
	return gs.address
}

// watchHealth pings the store on every tick and publishes the result
func (gs *GRPCServer) watchHealth(ctx context.Context) {
	defer gs.watching.Done()

	ticker := time.NewTicker(gs.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gs.updateHealth(ctx)
		}
	}
}

func (gs *GRPCServer) updateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := gs.handlers.HealthCheck.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		gs.logger.Warn("store ping failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	gs.health.SetServingStatus("", status)
	gs.health.SetServingStatus(RateLimitServiceName, status)
}
