package limiter

import (
	"context"
	"fmt"
	"time"
)

// Strategy names, also used as the middle segment of storage keys.
const (
	StrategyFixedWindow   = "fixed-window"
	StrategySlidingWindow = "sliding-window"
)

// Strategy defines the interface for rate limiting algorithms.
//
// Strategies never apply a failure policy: storage errors are returned as-is
// and the Limiter decides what the caller sees.
type Strategy interface {
	// Limit records one request for identifier and reports whether it may proceed.
	Limit(ctx context.Context, identifier string) (Result, error)

	// Reset clears the stored state for identifier.
	Reset(ctx context.Context, identifier string) error

	// Name returns the strategy name (fixed-window, sliding-window).
	Name() string

	// Config returns the validated configuration.
	Config() Config
}

// Result is the outcome of a single rate limit decision.
type Result struct {
	Allowed   bool  `json:"allowed"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	// Reset is the epoch-millisecond time at which capacity frees up.
	Reset int64 `json:"reset"`
}

// RetryAfter returns how long the caller should wait before retrying, never negative.
func (r Result) RetryAfter(now time.Time) time.Duration {
	wait := time.UnixMilli(r.Reset).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Config holds the settings shared by every strategy.
type Config struct {
	// Prefix namespaces storage keys: {prefix}:{strategy}:{identifier}.
	Prefix string
	// Window is the rate window; it is truncated to whole milliseconds.
	Window time.Duration
	// Limit is the number of requests admitted per window.
	Limit int64
}

// Validate reports ErrInvalidConfig for a non-positive window or limit.
func (c Config) Validate() error {
	if c.Window.Milliseconds() <= 0 {
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidConfig, c.Window)
	}
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be greater than 0, got %d", ErrInvalidConfig, c.Limit)
	}
	return nil
}

// windowMs returns the window in milliseconds
func (c Config) windowMs() int64 {
	return c.Window.Milliseconds()
}

// ttl returns the window truncated to whole milliseconds
func (c Config) ttl() time.Duration {
	return time.Duration(c.windowMs()) * time.Millisecond
}

// storageKey builds {prefix}:{strategy}:{identifier}
func storageKey(prefix, strategy, identifier string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, strategy, identifier)
}
