package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/mohammadhprp/nextlimit/internal/middleware"
	"go.uber.org/zap"
)

// HTTPServer implements the Server interface for HTTP transport
type HTTPServer struct {
	server   *http.Server
	router   *mux.Router
	address  string
	logger   *zap.Logger
	handlers *ServiceHandlers
	limiter  middleware.Checker

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg ServerConfig) *HTTPServer {
	router := mux.NewRouter()

	hs := &HTTPServer{
		address:  cfg.Address,
		logger:   cfg.Logger,
		handlers: newServiceHandlers(cfg),
		router:   router,
		limiter:  cfg.APILimiter,
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	hs.registerRoutes()
	return hs
}

// registerRoutes registers all HTTP routes
func (hs *HTTPServer) registerRoutes() {
	hs.router.HandleFunc("/health", hs.handlers.HealthCheck.HealthCheck()).Methods(http.MethodGet)

	api := hs.router.PathPrefix("/ratelimit").Subrouter()
	if hs.limiter != nil {
		api.Use(middleware.RateLimitMiddleware(hs.limiter, middleware.IPKeyExtractor, hs.logger))
	}

	// Policy routes are registered before the reset route so that
	// /ratelimit/policies/{name} is never read as a policy/identifier pair.
	api.HandleFunc("/policies", hs.handlers.RateLimit.SetPolicy()).Methods(http.MethodPost)
	api.HandleFunc("/policies/{name}", hs.handlers.RateLimit.GetPolicy()).Methods(http.MethodGet)
	api.HandleFunc("/policies/{name}", hs.handlers.RateLimit.DeletePolicy()).Methods(http.MethodDelete)
	api.HandleFunc("/check", hs.handlers.RateLimit.Check()).Methods(http.MethodPost)
	api.HandleFunc("/{policy}/{identifier}", hs.handlers.RateLimit.Reset()).Methods(http.MethodDelete)
}

// Handler returns the routed handler
func (hs *HTTPServer) Handler() http.Handler {
	return hs.router
}

// Start starts the HTTP server
func (hs *HTTPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", hs.address)
	if err != nil {
		hs.logger.Error("Failed to listen on address", zap.String("address", hs.address), zap.Error(err))
		return err
	}

	hs.mu.Lock()
	hs.listener = listener
	hs.mu.Unlock()

	hs.logger.Info("Starting HTTP server", zap.String("address", listener.Addr().String()))

	go func() {
		if err := hs.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (hs *HTTPServer) Stop(ctx context.Context) error {
	hs.logger.Info("Stopping HTTP server")
	return hs.server.Shutdown(ctx)
}

// Addr returns the address the HTTP server is listening on
func (hs *HTTPServer) Addr() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.listener != nil {
		return hs.listener.Addr().String()
	}
	return hs.address
}
