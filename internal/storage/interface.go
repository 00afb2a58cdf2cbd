package storage

import (
	"context"
	"time"
)

// Store defines the interface for rate limiter storage backends
type Store interface {
	// Get retrieves the value for the given key, or "" when the key is absent or expired
	Get(ctx context.Context, key string) (string, error)

	// Set sets the value for the given key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes the key from storage
	Delete(ctx context.Context, key string) error

	// Exists reports whether a live (non-expired) key is present
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically increments the counter for the given key and (re)sets its ttl.
	// An absent or expired key yields 1.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ZAdd adds a member with score to a sorted set
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByScore removes members with scores in [min, max] and returns how many were removed
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// ZCount returns the number of members of a sorted set
	ZCount(ctx context.Context, key string) (int64, error)

	// ZRangeWithScores returns members ordered by score between the start and stop
	// indexes (inclusive). A stop of -1 means the end of the set.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// Expire sets or refreshes the ttl of a key without touching its value
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Pipeline returns a builder that executes queued operations as one batch
	Pipeline() Pipeline

	// Ping checks if the storage is accessible
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}

// Pipeline queues operations and executes them as a single batch.
//
// For RedisStore the batch runs inside MULTI/EXEC. For MemoryStore the
// operations run one after another; callers that need the whole batch to be
// indivisible must hold the key lock (see KeyLocker).
type Pipeline interface {
	Increment(key string, ttl time.Duration) Pipeline
	ZAdd(key string, score float64, member string) Pipeline
	ZRemRangeByScore(key string, min, max float64) Pipeline
	ZCount(key string) Pipeline
	ZRangeWithScores(key string, start, stop int64) Pipeline
	Expire(key string, ttl time.Duration) Pipeline

	// Exec runs the queued operations and returns one result per operation:
	// int64 for Increment/ZRemRangeByScore/ZCount, []ZMember for
	// ZRangeWithScores and nil for ZAdd/Expire.
	Exec(ctx context.Context) ([]any, error)
}

// ScriptEvaluator is implemented by backends that run server-side scripts atomically.
type ScriptEvaluator interface {
	// LoadScript caches the script on the server and returns its identifier
	LoadScript(ctx context.Context, script string) (string, error)

	// EvalScript runs a previously loaded script. It returns ErrScriptUnavailable
	// when the server no longer knows the script.
	EvalScript(ctx context.Context, sha string, keys []string, args []string) ([]int64, error)
}

// KeyLocker is implemented by in-process backends whose multi-step sequences
// need client-side mutual exclusion per key.
type KeyLocker interface {
	// LockKey blocks until the key is exclusively held and returns the release func
	LockKey(key string) (unlock func())
}

// ZMember represents a member in a sorted set
type ZMember struct {
	Member string
	Score  float64
}
