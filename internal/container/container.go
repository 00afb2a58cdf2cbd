package container

import (
	"context"
	"errors"

	"github.com/mohammadhprp/nextlimit/internal/config"
	"github.com/mohammadhprp/nextlimit/internal/service"
	"github.com/mohammadhprp/nextlimit/internal/storage"
	"github.com/mohammadhprp/nextlimit/internal/transport"
	"github.com/samber/do"
	"go.uber.org/zap"
)

// New returns an injector with every package registered. Services are built
// lazily on first invoke.
func New(cfg config.Config, logger *zap.Logger) *do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)

	StoragePackage(injector)
	ServicePackage(injector)
	TransportPackage(injector)

	return injector
}

// StoragePackage provides the store selected by STORAGE_BACKEND.
func StoragePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (storage.Store, error) {
		cfg := do.MustInvoke[config.Config](i)
		logger := do.MustInvoke[*zap.Logger](i)
		return config.NewStore(cfg, logger)
	})
}

// ServicePackage provides the rate limit and health services.
func ServicePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*service.RateLimitService, error) {
		cfg := do.MustInvoke[config.Config](i)
		store := do.MustInvoke[storage.Store](i)
		logger := do.MustInvoke[*zap.Logger](i)

		defaults := service.PolicyConfig{
			Strategy: cfg.RateLimit.Strategy,
			WindowMs: cfg.RateLimit.Window.Milliseconds(),
			Limit:    cfg.RateLimit.Limit,
			OnError:  cfg.RateLimit.OnError,
		}
		return service.NewRateLimitService(store, cfg.RateLimit.Prefix, defaults, logger.Named("ratelimit"))
	})

	do.Provide(injector, func(i *do.Injector) (*service.HealthService, error) {
		cfg := do.MustInvoke[config.Config](i)
		store := do.MustInvoke[storage.Store](i)
		logger := do.MustInvoke[*zap.Logger](i)
		return service.NewHealthService(store, cfg.Storage.Backend, logger.Named("health")), nil
	})
}

// TransportPackage provides the HTTP and gRPC servers.
func TransportPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*transport.HTTPServer, error) {
		cfg := do.MustInvoke[config.Config](i)
		serverCfg, err := serverConfig(i, cfg.ServerAddr())
		if err != nil {
			return nil, err
		}
		if cfg.Server.RateLimitPolicy != "" {
			serverCfg.APILimiter = serverCfg.RateLimit.ForPolicy(cfg.Server.RateLimitPolicy)
		}
		return transport.NewHTTPServer(serverCfg), nil
	})

	do.Provide(injector, func(i *do.Injector) (*transport.GRPCServer, error) {
		cfg := do.MustInvoke[config.Config](i)
		serverCfg, err := serverConfig(i, cfg.GRPCAddr())
		if err != nil {
			return nil, err
		}
		return transport.NewGRPCServer(serverCfg), nil
	})
}

func serverConfig(i *do.Injector, address string) (transport.ServerConfig, error) {
	cfg := do.MustInvoke[config.Config](i)
	logger := do.MustInvoke[*zap.Logger](i)

	rateLimit, err := do.Invoke[*service.RateLimitService](i)
	if err != nil {
		return transport.ServerConfig{}, err
	}
	health, err := do.Invoke[*service.HealthService](i)
	if err != nil {
		return transport.ServerConfig{}, err
	}

	return transport.ServerConfig{
		Address:      address,
		RateLimit:    rateLimit,
		Health:       health,
		Logger:       logger,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, nil
}

// Servers returns the transport servers in start order.
func Servers(injector *do.Injector) ([]transport.Server, error) {
	httpServer, err := do.Invoke[*transport.HTTPServer](injector)
	if err != nil {
		return nil, err
	}
	grpcServer, err := do.Invoke[*transport.GRPCServer](injector)
	if err != nil {
		return nil, err
	}
	return []transport.Server{httpServer, grpcServer}, nil
}

// Shutdown stops the servers, closes the store and shuts the injector down.
func Shutdown(ctx context.Context, injector *do.Injector, servers []transport.Server) error {
	var errs []error
	for _, srv := range servers {
		if err := srv.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if store, err := do.Invoke[storage.Store](injector); err == nil {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := injector.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
