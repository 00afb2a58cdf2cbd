package limiter

import (
	"context"
	"fmt"

	"github.com/mohammadhprp/nextlimit/internal/storage"
	"go.uber.org/zap"
)

// FixedWindow implements the Fixed Window (Counting) rate limiting algorithm.
//
// How it works:
// 1. The first request for an identifier creates a counter that expires after one window
// 2. Every request increments the counter atomically
// 3. Requests are allowed while the counter is at or below the limit
// 4. The counter disappears with its ttl and the next request opens a new window
//
// The window starts at the first hit, so a client can send up to 2x limit
// requests across the boundary of two adjacent windows.
//
// Reset in the result is computed from the time of the call rather than the
// window origin, so it can overshoot the real expiry by up to one window.
type FixedWindow struct {
	store  storage.Store
	cfg    Config
	opts   options
	logger *zap.Logger
}

// NewFixedWindow creates a new Fixed Window rate limiter.
//
// Example: Allow 100 requests per minute
//
//	limiter, err := NewFixedWindow(store, Config{Prefix: "api", Window: time.Minute, Limit: 100}, logger)
func NewFixedWindow(store storage.Store, cfg Config, logger *zap.Logger, opts ...Option) (*FixedWindow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FixedWindow{
		store:  store,
		cfg:    cfg,
		opts:   o,
		logger: logger,
	}, nil
}

// Limit checks if a request should be allowed under the fixed window algorithm.
func (fw *FixedWindow) Limit(ctx context.Context, identifier string) (Result, error) {
	key := fw.stateKey(identifier)
	now := fw.opts.now().UnixMilli()

	count, err := fw.store.Increment(ctx, key, fw.cfg.ttl())
	if err != nil {
		return Result{}, err
	}

	allowed := count <= fw.cfg.Limit
	remaining := fw.cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	if !allowed {
		fw.logger.Debug("fixed window limit reached",
			zap.String("identifier", identifier),
			zap.Int64("count", count),
		)
	}

	return Result{
		Allowed:   allowed,
		Limit:     fw.cfg.Limit,
		Remaining: remaining,
		Reset:     now + fw.cfg.windowMs(),
	}, nil
}

// Reset clears the fixed window counter for a specific identifier.
func (fw *FixedWindow) Reset(ctx context.Context, identifier string) error {
	if err := fw.store.Delete(ctx, fw.stateKey(identifier)); err != nil {
		return fmt.Errorf("reset fixed window state: %w", err)
	}
	return nil
}

// Name returns the strategy name.
func (fw *FixedWindow) Name() string {
	return StrategyFixedWindow
}

// Config returns the validated configuration.
func (fw *FixedWindow) Config() Config {
	return fw.cfg
}

// stateKey generates the storage key of the counter
func (fw *FixedWindow) stateKey(identifier string) string {
	return storageKey(fw.cfg.Prefix, StrategyFixedWindow, identifier)
}
