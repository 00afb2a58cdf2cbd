package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mohammadhprp/nextlimit/internal/service"
	"go.uber.org/zap"
)

type HealthCheckHandler struct {
	health *service.HealthService
	logger *zap.Logger
}

func NewHealthCheckHandler(health *service.HealthService, logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		health: health,
		logger: logger,
	}
}

// HealthCheck returns a health check handler
func (h *HealthCheckHandler) HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.health.GetHealthStatus(r.Context())

		status := http.StatusOK
		if report.Status != service.HealthStatusHealthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			h.logger.Warn("failed to write health response", zap.Error(err))
		}
	}
}

// Ping verifies connectivity with the underlying store for non-HTTP health checks.
func (h *HealthCheckHandler) Ping(ctx context.Context) error {
	return h.health.Ping(ctx)
}
