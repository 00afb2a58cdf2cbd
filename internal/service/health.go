package service

import (
	"context"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/storage"
	"go.uber.org/zap"
)

const defaultPingTimeout = 2 * time.Second

// HealthReport describes the state of the service and its store
type HealthReport struct {
	Status    string `json:"status"`
	Storage   string `json:"storage"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// HealthService provides health check functionality
type HealthService struct {
	store       storage.Store
	backend     string
	pingTimeout time.Duration
	logger      *zap.Logger
}

// NewHealthService creates a new health service. backend names the store in reports.
func NewHealthService(store storage.Store, backend string, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthService{
		store:       store,
		backend:     backend,
		pingTimeout: defaultPingTimeout,
		logger:      logger,
	}
}

// GetHealthStatus returns the current health status
func (s *HealthService) GetHealthStatus(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    HealthStatusHealthy,
		Storage:   s.backend,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if err := s.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.String("storage", s.backend), zap.Error(err))
		report.Status = HealthStatusUnhealthy
		report.Error = err.Error()
	}

	return report
}

// Ping verifies connectivity with the underlying store
func (s *HealthService) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.store.Ping(ctx)
}
