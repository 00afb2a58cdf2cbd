package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammadhprp/nextlimit/internal/limiter"
	"github.com/mohammadhprp/nextlimit/internal/services"
	"github.com/mohammadhprp/nextlimit/internal/storage"
	"go.uber.org/zap"
)

var policyNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// PolicyConfig holds the configuration of a named rate limit policy
type PolicyConfig struct {
	Strategy string `json:"strategy"`           // fixed-window, sliding-window
	WindowMs int64  `json:"window_ms"`          // window length in milliseconds
	Limit    int64  `json:"limit"`              // requests admitted per window
	OnError  string `json:"on_error,omitempty"` // allow, deny (default), throw
}

// PolicyMetadata tracks when a policy was written
type PolicyMetadata struct {
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// PolicyStatus is a policy together with its metadata
type PolicyStatus struct {
	Name      string        `json:"name"`
	Config    *PolicyConfig `json:"config"`
	CreatedAt int64         `json:"created_at,omitempty"`
	UpdatedAt int64         `json:"updated_at,omitempty"`
	Stored    bool          `json:"stored"`
}

type cachedLimiter struct {
	cfg PolicyConfig
	lim *limiter.Limiter
}

// RateLimitService builds limiters from named policies and runs checks against them
type RateLimitService struct {
	store    storage.Store
	cache    services.CacheService
	prefix   string
	defaults PolicyConfig
	now      func() time.Time

	mu       sync.RWMutex
	limiters map[string]*cachedLimiter

	Logger *zap.Logger
}

// GeneratePrefix returns a random key prefix such as nextlimit-1a2b3c
func GeneratePrefix() string {
	return GeneratedPrefixBase + uuid.NewString()[:GeneratedPrefixLength]
}

// NewRateLimitService creates a new rate limit service. An empty prefix is
// replaced with a generated one. defaults is served as the "default" policy.
func NewRateLimitService(store storage.Store, prefix string, defaults PolicyConfig, logger *zap.Logger) (*RateLimitService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = GeneratePrefix()
		logger.Info("generated rate limit key prefix", zap.String("prefix", prefix))
	}

	s := &RateLimitService{
		store:    store,
		cache:    services.NewStoreCacheService(store),
		prefix:   prefix,
		defaults: defaults,
		now:      time.Now,
		limiters: make(map[string]*cachedLimiter),
		Logger:   logger,
	}

	if err := s.ValidateConfig(&defaults); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	return s, nil
}

// Prefix returns the key prefix every policy and limiter key starts with
func (s *RateLimitService) Prefix() string {
	return s.prefix
}

// ValidateConfig validates a policy configuration
func (s *RateLimitService) ValidateConfig(cfg *PolicyConfig) error {
	if cfg == nil || cfg.Strategy == "" {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, ErrStrategyRequired)
	}

	switch cfg.Strategy {
	case limiter.StrategyFixedWindow, limiter.StrategySlidingWindow:
	default:
		return fmt.Errorf("%w: "+ErrInvalidStrategy, ErrInvalidPolicy, cfg.Strategy)
	}

	if cfg.Limit <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, ErrLimitMustBePositive)
	}

	if cfg.WindowMs <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, ErrWindowMsMissing)
	}

	if _, err := limiter.ParseErrorPolicy(cfg.OnError); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	return nil
}

// isStorageError reports whether err came from the store rather than from decoding
func isStorageError(err error) bool {
	return errors.Is(err, storage.ErrStorageUnavailable) ||
		errors.Is(err, storage.ErrStorageTimeout) ||
		errors.Is(err, storage.ErrStorageClosed)
}

func validateName(name string) error {
	if !policyNamePattern.MatchString(name) {
		return fmt.Errorf("%w: "+ErrInvalidPolicyName, ErrInvalidPolicy, name)
	}
	return nil
}

// PolicyKey generates the key a policy configuration is stored under
func (s *RateLimitService) PolicyKey(name string) string {
	return fmt.Sprintf(PolicyKeyFormat, s.prefix, name)
}

// MetadataKey generates the key policy metadata is stored under
func (s *RateLimitService) MetadataKey(name string) string {
	return fmt.Sprintf(MetadataKeyFormat, s.prefix, name)
}

// LimiterPrefix generates the key prefix of a policy's limiter state
func (s *RateLimitService) LimiterPrefix(name string) string {
	return fmt.Sprintf(LimiterKeyFormat, s.prefix, name)
}

// SetPolicy stores a policy configuration, keeping the original creation time
func (s *RateLimitService) SetPolicy(ctx context.Context, name string, cfg *PolicyConfig) (*PolicyStatus, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg.OnError = strings.ToLower(strings.TrimSpace(cfg.OnError))

	now := s.now().UnixMilli()
	metadata := PolicyMetadata{CreatedAt: now, UpdatedAt: now}

	var existing PolicyMetadata
	found, err := s.cache.GetJSON(ctx, s.MetadataKey(name), &existing)
	if err != nil {
		if isStorageError(err) {
			return nil, err
		}
		s.Logger.Warn("discarding unreadable policy metadata", zap.String("policy", name), zap.Error(err))
	}
	if found {
		metadata.CreatedAt = existing.CreatedAt
	}

	if err := s.cache.SetJSON(ctx, s.PolicyKey(name), cfg, 0); err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, s.MetadataKey(name), metadata, 0); err != nil {
		return nil, err
	}

	s.forget(name)
	s.Logger.Info("rate limit policy stored",
		zap.String("policy", name),
		zap.String("strategy", cfg.Strategy),
		zap.Int64("window_ms", cfg.WindowMs),
		zap.Int64("limit", cfg.Limit),
	)

	return &PolicyStatus{
		Name:      name,
		Config:    cfg,
		CreatedAt: metadata.CreatedAt,
		UpdatedAt: metadata.UpdatedAt,
		Stored:    true,
	}, nil
}

// GetPolicy retrieves a policy. The "default" policy falls back to the
// environment configuration when nothing is stored for it.
func (s *RateLimitService) GetPolicy(ctx context.Context, name string) (*PolicyStatus, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var cfg PolicyConfig
	found, err := s.cache.GetJSON(ctx, s.PolicyKey(name), &cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		if name == DefaultPolicy {
			defaults := s.defaults
			return &PolicyStatus{Name: name, Config: &defaults}, nil
		}
		return nil, ErrNotFound
	}

	status := &PolicyStatus{Name: name, Config: &cfg, Stored: true}

	var metadata PolicyMetadata
	if ok, err := s.cache.GetJSON(ctx, s.MetadataKey(name), &metadata); err == nil && ok {
		status.CreatedAt = metadata.CreatedAt
		status.UpdatedAt = metadata.UpdatedAt
	}

	return status, nil
}

// DeletePolicy removes a stored policy. Limiter state already written under
// the policy expires on its own.
func (s *RateLimitService) DeletePolicy(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	exists, err := s.cache.Exists(ctx, s.PolicyKey(name))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	if err := s.cache.Delete(ctx, s.PolicyKey(name)); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, s.MetadataKey(name)); err != nil {
		s.Logger.Warn("failed to delete policy metadata", zap.String("policy", name), zap.Error(err))
	}

	s.forget(name)
	s.Logger.Info("rate limit policy deleted", zap.String("policy", name))
	return nil
}

// Check consumes one request for identifier under the named policy
func (s *RateLimitService) Check(ctx context.Context, policy, identifier string) (limiter.Result, error) {
	if identifier == "" {
		return limiter.Result{}, fmt.Errorf("%w: %s", ErrInvalidPolicy, ErrIdentifierRequired)
	}

	lim, err := s.Limiter(ctx, policy)
	if err != nil {
		return limiter.Result{}, err
	}

	return lim.Limit(ctx, identifier)
}

// Reset clears the stored state of identifier under the named policy
func (s *RateLimitService) Reset(ctx context.Context, policy, identifier string) error {
	if identifier == "" {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, ErrIdentifierRequired)
	}

	lim, err := s.Limiter(ctx, policy)
	if err != nil {
		return err
	}

	return lim.Reset(ctx, identifier)
}

// Limiter returns the limiter of a policy, building it when the policy is
// new or has changed. When the policy cannot be read because storage is
// down, the last limiter built for it is reused so its error policy applies.
func (s *RateLimitService) Limiter(ctx context.Context, name string) (*limiter.Limiter, error) {
	status, err := s.GetPolicy(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidPolicy) {
			return nil, err
		}
		if cached := s.cached(name); cached != nil {
			s.Logger.Warn("policy lookup failed, using cached limiter", zap.String("policy", name), zap.Error(err))
			return cached.lim, nil
		}
		if name == DefaultPolicy {
			return s.build(name, s.defaults)
		}
		return nil, err
	}

	if cached := s.cached(name); cached != nil && cached.cfg == *status.Config {
		return cached.lim, nil
	}
	return s.build(name, *status.Config)
}

func (s *RateLimitService) cached(name string) *cachedLimiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiters[name]
}

func (s *RateLimitService) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, name)
}

// build creates a limiter for cfg and caches it under name
func (s *RateLimitService) build(name string, cfg PolicyConfig) (*limiter.Limiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.limiters[name]; ok && cached.cfg == cfg {
		return cached.lim, nil
	}

	limiterCfg := limiter.Config{
		Prefix: s.LimiterPrefix(name),
		Window: time.Duration(cfg.WindowMs) * time.Millisecond,
		Limit:  cfg.Limit,
	}
	logger := s.Logger.With(zap.String("policy", name))

	var (
		strategy limiter.Strategy
		err      error
	)
	switch cfg.Strategy {
	case limiter.StrategyFixedWindow:
		strategy, err = limiter.NewFixedWindow(s.store, limiterCfg, logger, limiter.WithClock(s.now))
	case limiter.StrategySlidingWindow:
		strategy, err = limiter.NewSlidingWindow(s.store, limiterCfg, logger, limiter.WithClock(s.now))
	default:
		return nil, fmt.Errorf("%w: "+ErrInvalidStrategy, ErrInvalidPolicy, cfg.Strategy)
	}
	if err != nil {
		return nil, err
	}

	lim, err := limiter.New(strategy, limiter.ErrorPolicy(cfg.OnError), logger, limiter.WithClock(s.now))
	if err != nil {
		return nil, err
	}

	s.limiters[name] = &cachedLimiter{cfg: cfg, lim: lim}
	return lim, nil
}

// PolicyChecker checks identifiers against one named policy
type PolicyChecker struct {
	svc    *RateLimitService
	policy string
}

// ForPolicy binds the service to a single policy, e.g. for HTTP middleware
func (s *RateLimitService) ForPolicy(policy string) *PolicyChecker {
	return &PolicyChecker{svc: s, policy: policy}
}

// Limit consumes one request for identifier under the bound policy
func (p *PolicyChecker) Limit(ctx context.Context, identifier string) (limiter.Result, error) {
	return p.svc.Check(ctx, p.policy, identifier)
}
