package limiter

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/mohammadhprp/nextlimit/internal/storage"
	"go.uber.org/zap"
)

//go:embed sliding_window.lua
var slidingWindowScript string

// SlidingWindow implements the Sliding Window (log) rate limiting algorithm.
//
// How it works:
// 1. Every admitted request is stored in a sorted set, scored by its timestamp
// 2. Entries older than now - window are evicted
// 3. The remaining entries are counted
// 4. The request is admitted (and recorded) only while the count is below the limit
//
// When the store can run server-side scripts the whole sequence executes as
// one script call. Otherwise it runs as two pipelines under the store's key
// lock when one is available. Stores that offer neither are only safe when a
// single goroutine drives a given identifier.
type SlidingWindow struct {
	store  storage.Store
	cfg    Config
	opts   options
	logger *zap.Logger

	mu        sync.Mutex
	scriptSHA string
}

// NewSlidingWindow creates a new Sliding Window rate limiter.
//
// Example: Allow 100 requests in any rolling minute
//
//	limiter, err := NewSlidingWindow(store, Config{Prefix: "api", Window: time.Minute, Limit: 100}, logger)
func NewSlidingWindow(store storage.Store, cfg Config, logger *zap.Logger, opts ...Option) (*SlidingWindow, error) {
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

	return &SlidingWindow{
		store:  store,
		cfg:    cfg,
		opts:   o,
		logger: logger,
	}, nil
}

// Limit checks if a request should be allowed under the sliding window algorithm.
func (sw *SlidingWindow) Limit(ctx context.Context, identifier string) (Result, error) {
	key := sw.stateKey(identifier)
	now := sw.opts.now().UnixMilli()
	nonce := sw.opts.nonce()

	if ev, ok := sw.store.(storage.ScriptEvaluator); ok {
		return sw.limitWithScript(ctx, ev, key, now, nonce)
	}

	if locker, ok := sw.store.(storage.KeyLocker); ok {
		unlock := locker.LockKey(key)
		defer unlock()
	}
	return sw.limitWithPipelines(ctx, key, now, nonce)
}

// limitWithScript runs the whole evaluation server-side. The script reply is authoritative.
func (sw *SlidingWindow) limitWithScript(ctx context.Context, ev storage.ScriptEvaluator, key string, now int64, nonce string) (Result, error) {
	sha, err := sw.loadScript(ctx, ev, "")
	if err != nil {
		return Result{}, err
	}

	args := []string{
		strconv.FormatInt(now, 10),
		strconv.FormatInt(sw.cfg.windowMs(), 10),
		strconv.FormatInt(sw.cfg.Limit, 10),
		nonce,
	}

	reply, err := ev.EvalScript(ctx, sha, []string{key}, args)
	if errors.Is(err, storage.ErrScriptUnavailable) {
		sw.logger.Warn("sliding window script not loaded, reloading", zap.String("sha", sha))

		sha, err = sw.loadScript(ctx, ev, sha)
		if err != nil {
			return Result{}, err
		}
		reply, err = ev.EvalScript(ctx, sha, []string{key}, args)
		if errors.Is(err, storage.ErrScriptUnavailable) {
			return Result{}, fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
		}
	}
	if err != nil {
		return Result{}, err
	}

	if len(reply) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected sliding window reply %v", storage.ErrStorageUnavailable, reply)
	}

	return Result{
		Allowed:   reply[0] == 1,
		Limit:     sw.cfg.Limit,
		Remaining: reply[1],
		Reset:     reply[2],
	}, nil
}

// loadScript returns the cached script SHA, loading it when missing or when
// the cached value equals stale.
func (sw *SlidingWindow) loadScript(ctx context.Context, ev storage.ScriptEvaluator, stale string) (string, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.scriptSHA != "" && sw.scriptSHA != stale {
		return sw.scriptSHA, nil
	}

	sha, err := ev.LoadScript(ctx, slidingWindowScript)
	if err != nil {
		return "", err
	}
	sw.scriptSHA = sha
	return sha, nil
}

// limitWithPipelines runs evict-count then add-expire as two batches.
// The caller holds the key lock when the store offers one.
func (sw *SlidingWindow) limitWithPipelines(ctx context.Context, key string, now int64, nonce string) (Result, error) {
	windowStart := now - sw.cfg.windowMs()

	results, err := sw.store.Pipeline().
		ZRemRangeByScore(key, 0, float64(windowStart)).
		ZCount(key).
		ZRangeWithScores(key, 0, 0).
		Exec(ctx)
	if err != nil {
		return Result{}, err
	}

	count, _ := results[1].(int64)
	oldest, _ := results[2].([]storage.ZMember)

	if count >= sw.cfg.Limit {
		return Result{
			Allowed:   false,
			Limit:     sw.cfg.Limit,
			Remaining: 0,
			Reset:     sw.resetFrom(oldest, now),
		}, nil
	}

	member := fmt.Sprintf("%d:%s", now, nonce)
	results, err = sw.store.Pipeline().
		ZAdd(key, float64(now), member).
		Expire(key, sw.cfg.ttl()).
		ZRangeWithScores(key, 0, 0).
		Exec(ctx)
	if err != nil {
		return Result{}, err
	}
	oldest, _ = results[2].([]storage.ZMember)

	return Result{
		Allowed:   true,
		Limit:     sw.cfg.Limit,
		Remaining: sw.cfg.Limit - (count + 1),
		Reset:     sw.resetFrom(oldest, now),
	}, nil
}

// resetFrom is the oldest live entry's score plus one window, or now plus one window
func (sw *SlidingWindow) resetFrom(oldest []storage.ZMember, now int64) int64 {
	if len(oldest) > 0 {
		return int64(oldest[0].Score) + sw.cfg.windowMs()
	}
	return now + sw.cfg.windowMs()
}

// Reset clears the sliding window state for a specific identifier.
func (sw *SlidingWindow) Reset(ctx context.Context, identifier string) error {
	if err := sw.store.Delete(ctx, sw.stateKey(identifier)); err != nil {
		return fmt.Errorf("reset sliding window state: %w", err)
	}
	return nil
}

// Name returns the strategy name.
func (sw *SlidingWindow) Name() string {
	return StrategySlidingWindow
}

// Config returns the validated configuration.
func (sw *SlidingWindow) Config() Config {
	return sw.cfg
}

// stateKey generates the storage key of the timestamp set
func (sw *SlidingWindow) stateKey(identifier string) string {
	return storageKey(sw.cfg.Prefix, StrategySlidingWindow, identifier)
}
