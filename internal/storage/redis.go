package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultOpTimeout      = time.Second
	defaultConnectTimeout = 5 * time.Second
)

// RedisOptions holds the settings used to build the Redis client on first use.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	// OpTimeout bounds every command issued by the store.
	OpTimeout time.Duration
}

// connState tracks the Redis connection lifecycle.
type connState int

const (
	stateUninitialized connState = iota
	stateConnecting
	stateReady
	stateFailed
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type dialFunc func(ctx context.Context) (redis.UniversalClient, error)

// RedisStore implements Store interface using Redis.
//
// The client is created lazily on first use. Concurrent first calls wait on
// the same connection attempt; a failed attempt is retried by the next call.
type RedisStore struct {
	dial           dialFunc
	opTimeout      time.Duration
	connectTimeout time.Duration
	logger         *zap.Logger

	mu     sync.RWMutex
	state  connState
	client redis.UniversalClient
	group  singleflight.Group
}

// NewRedisStore creates a new Redis store. No connection is made until the
// first operation (or an explicit Connect).
func NewRedisStore(opts RedisOptions, logger *zap.Logger) *RedisStore {
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	dial := func(ctx context.Context) (redis.UniversalClient, error) {
		client := redis.NewClient(&redis.Options{
			Addr:                  opts.Addr,
			Password:              opts.Password,
			DB:                    opts.DB,
			PoolSize:              opts.PoolSize,
			DialTimeout:           opts.DialTimeout,
			ReadTimeout:           opTimeout,
			WriteTimeout:          opTimeout,
			ContextTimeoutEnabled: true,
			// Timed-out commands must surface to the caller, never be replayed here.
			MaxRetries: -1,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}

	return newRedisStore(dial, opTimeout, logger)
}

// NewRedisStoreWithClient creates a new Redis store with an existing client.
// The client is pinged on first use.
func NewRedisStoreWithClient(client redis.UniversalClient, opTimeout time.Duration, logger *zap.Logger) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	dial := func(ctx context.Context) (redis.UniversalClient, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return client, nil
	}

	return newRedisStore(dial, opTimeout, logger)
}

func newRedisStore(dial dialFunc, opTimeout time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		dial:           dial,
		opTimeout:      opTimeout,
		connectTimeout: defaultConnectTimeout,
		logger:         logger,
		state:          stateUninitialized,
	}
}

// Connect forces the lazy initialization to happen now.
func (s *RedisStore) Connect(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func (s *RedisStore) currentState() connState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState records a lifecycle transition. Caller holds s.mu.
func (s *RedisStore) setState(next connState) {
	if s.state == next {
		return
	}
	s.logger.Debug("redis store state change",
		zap.Stringer("from", s.state),
		zap.Stringer("to", next),
	)
	s.state = next
}

// conn returns the ready client, running at most one initialization at a time.
func (s *RedisStore) conn(ctx context.Context) (redis.UniversalClient, error) {
	s.mu.RLock()
	state, client := s.state, s.client
	s.mu.RUnlock()

	switch state {
	case stateReady:
		return client, nil
	case stateClosed:
		return nil, ErrStorageClosed
	}

	v, err, _ := s.group.Do("connect", func() (any, error) {
		s.mu.Lock()
		switch s.state {
		case stateReady:
			c := s.client
			s.mu.Unlock()
			return c, nil
		case stateClosed:
			s.mu.Unlock()
			return nil, ErrStorageClosed
		}
		s.setState(stateConnecting)
		s.mu.Unlock()

		// The attempt is shared by every waiter, so it must not die with the first caller's context.
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.connectTimeout)
		defer cancel()
		c, err := s.dial(dialCtx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == stateClosed {
			if c != nil {
				_ = c.Close()
			}
			return nil, ErrStorageClosed
		}
		if err != nil {
			s.setState(stateFailed)
			s.logger.Warn("redis connection failed", zap.Error(err))
			return nil, classify("connect", err)
		}
		s.client = c
		s.setState(stateReady)
		s.logger.Info("redis connection ready")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(redis.UniversalClient), nil
}

// run executes fn against the ready client with the per-operation timeout.
func (s *RedisStore) run(ctx context.Context, op, key string, fn func(ctx context.Context, c redis.UniversalClient) error) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := fn(ctx, c); err != nil {
		if key != "" {
			op += " " + key
		}
		return classify(op, err)
	}
	return nil
}

// classify maps a Redis client error onto the storage error taxonomy,
// keeping the original error in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrStorageTimeout),
		errors.Is(err, ErrScriptUnavailable),
		errors.Is(err, ErrStorageClosed):
		return err
	case redis.HasErrorPrefix(err, "NOSCRIPT"):
		return fmt.Errorf("%w: %s: %w", ErrScriptUnavailable, op, err)
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s: %w", ErrStorageTimeout, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
	}
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toZMembers(zs []redis.Z) []ZMember {
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, ZMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out
}

// Get retrieves the current value for the given key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.run(ctx, "get", key, func(ctx context.Context, c redis.UniversalClient) error {
		v, err := c.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		val = v
		return err
	})
	return val, err
}

// Set sets the value for the given key with expiration
func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.run(ctx, "set", key, func(ctx context.Context, c redis.UniversalClient) error {
		return c.Set(ctx, key, value, ttl).Err()
	})
}

// Delete removes the key from storage
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.run(ctx, "del", key, func(ctx context.Context, c redis.UniversalClient) error {
		return c.Del(ctx, key).Err()
	})
}

// Exists reports whether the key is present
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.run(ctx, "exists", key, func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		n, err = c.Exists(ctx, key).Result()
		return err
	})
	return n == 1, err
}

// Increment increments the counter inside MULTI/EXEC. SET NX seeds the key
// with its ttl only when absent, so the window origin stays at the first hit.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	err := s.run(ctx, "incr", key, func(ctx context.Context, c redis.UniversalClient) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetNX(ctx, key, 0, ttl)
			incr = pipe.Incr(ctx, key)
			return nil
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// ZAdd adds a member with score to a sorted set
func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.run(ctx, "zadd", key, func(ctx context.Context, c redis.UniversalClient) error {
		return c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRemRangeByScore removes members with scores in the given range
func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	var removed int64
	err := s.run(ctx, "zremrangebyscore", key, func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		removed, err = c.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
		return err
	})
	return removed, err
}

// ZCount returns the cardinality of a sorted set
func (s *RedisStore) ZCount(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.run(ctx, "zcard", key, func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		count, err = c.ZCard(ctx, key).Result()
		return err
	})
	return count, err
}

// ZRangeWithScores returns members ordered by score
func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	var members []ZMember
	err := s.run(ctx, "zrange", key, func(ctx context.Context, c redis.UniversalClient) error {
		zs, err := c.ZRangeWithScores(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		members = toZMembers(zs)
		return nil
	})
	return members, err
}

// Expire sets expiration for a key
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.run(ctx, "pexpire", key, func(ctx context.Context, c redis.UniversalClient) error {
		return c.PExpire(ctx, key, ttl).Err()
	})
}

// LoadScript loads a Lua script and returns its SHA1
func (s *RedisStore) LoadScript(ctx context.Context, script string) (string, error) {
	var sha string
	err := s.run(ctx, "script load", "", func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		sha, err = c.ScriptLoad(ctx, script).Result()
		return err
	})
	return sha, err
}

// EvalScript runs a loaded script with EVALSHA and returns its integer reply
func (s *RedisStore) EvalScript(ctx context.Context, sha string, keys []string, args []string) ([]int64, error) {
	argv := make([]any, len(args))
	for i, a := range args {
		argv[i] = a
	}

	var reply []int64
	err := s.run(ctx, "evalsha", sha, func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		reply, err = c.EvalSha(ctx, sha, keys, argv...).Int64Slice()
		return err
	})
	return reply, err
}

// Pipeline returns a MULTI/EXEC pipeline
func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{store: s}
}

// Ping checks if the storage is accessible
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.run(ctx, "ping", "", func(ctx context.Context, c redis.UniversalClient) error {
		return c.Ping(ctx).Err()
	})
}

// Close closes the storage connection
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client := s.client
	s.client = nil
	s.setState(stateClosed)

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

type redisOp func(ctx context.Context, pipe redis.Pipeliner) func() any

type redisPipeline struct {
	store *RedisStore
	ops   []redisOp
}

func (p *redisPipeline) queue(op redisOp) Pipeline {
	p.ops = append(p.ops, op)
	return p
}

func (p *redisPipeline) Increment(key string, ttl time.Duration) Pipeline {
	return p.queue(func(ctx context.Context, pipe redis.Pipeliner) func() any {
		pipe.SetNX(ctx, key, 0, ttl)
		cmd := pipe.Incr(ctx, key)
		return func() any { return cmd.Val() }
	})
}

func (p *redisPipeline) ZAdd(key string, score float64, member string) Pipeline {
	return p.queue(func(ctx context.Context, pipe redis.Pipeliner) func() any {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		return func() any { return nil }
	})
}

func (p *redisPipeline) ZRemRangeByScore(key string, min, max float64) Pipeline {
	return p.queue(func(ctx context.Context, pipe redis.Pipeliner) func() any {
		cmd := pipe.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max))
		return func() any { return cmd.Val() }
	})
}

func (p *redisPipeline) ZCount(key string) Pipeline {
	return p.queue(func(ctx context.Context, pipe redis.Pipeliner) func() any {
		cmd := pipe.ZCard(ctx, key)
		return func() any { return cmd.Val() }
	})
}

func (p *redisPipeline) ZRangeWithScores(key string, start, stop int64) Pipeline {
	return p.queue(func(ctx context.Context, pipe redis.Pipeliner) func() any {
		cmd := pipe.ZRangeWithScores(ctx, key, start, stop)
		return func() any { return toZMembers(cmd.Val()) }
	})
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) Pipeline {
	return p.queue(func(ctx context.Context, pipe redis.Pipeliner) func() any {
		pipe.PExpire(ctx, key, ttl)
		return func() any { return nil }
	})
}

func (p *redisPipeline) Exec(ctx context.Context) ([]any, error) {
	readers := make([]func() any, 0, len(p.ops))
	err := p.store.run(ctx, "exec", "", func(ctx context.Context, c redis.UniversalClient) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range p.ops {
				readers = append(readers, op(ctx, pipe))
			}
			return nil
		})
		return err
	})
	p.ops = nil
	if err != nil {
		return nil, err
	}

	results := make([]any, len(readers))
	for i, read := range readers {
		results[i] = read()
	}
	return results, nil
}
