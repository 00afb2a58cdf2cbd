package limiter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrorPolicy decides what a Limiter returns when its strategy fails.
type ErrorPolicy string

const (
	// OnErrorDeny rejects the request (fail-closed). It is the default.
	OnErrorDeny ErrorPolicy = "deny"
	// OnErrorAllow lets the request through (fail-open).
	OnErrorAllow ErrorPolicy = "allow"
	// OnErrorThrow returns the strategy error to the caller unchanged.
	OnErrorThrow ErrorPolicy = "throw"
)

// ParseErrorPolicy parses allow, deny or throw. An empty string means deny.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch p := ErrorPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OnErrorDeny, nil
	case OnErrorDeny, OnErrorAllow, OnErrorThrow:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown error policy %q", ErrInvalidConfig, s)
	}
}

// Limiter is the entry point callers use. It wraps one strategy and is the
// only place where storage failures are turned into a decision.
//
// Synthetic results carry the configured limit and reset = now:
//   - deny:  {allowed: false, remaining: 0}
//   - allow: {allowed: true, remaining: limit}
type Limiter struct {
	strategy Strategy
	policy   ErrorPolicy
	opts     options
	logger   *zap.Logger
}

// New creates a Limiter around strategy. An empty policy means deny.
func New(strategy Strategy, policy ErrorPolicy, logger *zap.Logger, opts ...Option) (*Limiter, error) {
	policy, err := ParseErrorPolicy(string(policy))
	if err != nil {
		return nil, err
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Limiter{
		strategy: strategy,
		policy:   policy,
		opts:     o,
		logger:   logger,
	}, nil
}

// Limit consumes one request for identifier.
func (l *Limiter) Limit(ctx context.Context, identifier string) (Result, error) {
	res, err := l.strategy.Limit(ctx, identifier)
	if err == nil {
		return res, nil
	}

	l.logger.Error("rate limiter storage error",
		zap.String("identifier", identifier),
		zap.String("strategy", l.strategy.Name()),
		zap.String("on_error", string(l.policy)),
		zap.Error(err),
	)

	limit := l.strategy.Config().Limit
	now := l.opts.now().UnixMilli()

	switch l.policy {
	case OnErrorAllow:
		return Result{Allowed: true, Limit: limit, Remaining: limit, Reset: now}, nil
	case OnErrorThrow:
		return Result{}, err
	default:
		return Result{Allowed: false, Limit: limit, Remaining: 0, Reset: now}, nil
	}
}

// Allow is a shorthand for Limit that only reports the decision.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	res, err := l.Limit(ctx, identifier)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Reset clears the stored state for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.strategy.Reset(ctx, identifier)
}

// Policy returns the configured error policy.
func (l *Limiter) Policy() ErrorPolicy {
	return l.policy
}

// Strategy returns the wrapped strategy.
func (l *Limiter) Strategy() Strategy {
	return l.strategy
}
