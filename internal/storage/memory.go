package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

const defaultCleanupInterval = 100 * time.Millisecond

// MemoryStore implements Store interface using in-memory storage.
//
// It is meant for single-instance deployments and tests; nothing is shared
// across processes. Individual operations are serialized by one mutex, and
// multi-step sequences can be serialized per key through LockKey.
type MemoryStore struct {
	mu         sync.Mutex
	data       map[string]*StorageValue
	sortedSets map[string]*SortedSet

	keys            *keyMutex
	now             func() time.Time
	cleanupInterval time.Duration

	stopChan  chan struct{}
	closeOnce sync.Once
}

// StorageValue represents a value with expiration
type StorageValue struct {
	value      string
	expiration time.Time
}

// SortedSet represents a sorted set data structure
type SortedSet struct {
	members    map[string]float64 // member -> score
	expiration time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) MemoryOption {
	return func(ms *MemoryStore) { ms.now = now }
}

// WithCleanupInterval sets how often the background janitor evicts expired
// keys. A non-positive interval disables the janitor; reads still evict.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(ms *MemoryStore) { ms.cleanupInterval = d }
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	ms := &MemoryStore{
		data:            make(map[string]*StorageValue),
		sortedSets:      make(map[string]*SortedSet),
		keys:            newKeyMutex(),
		now:             time.Now,
		cleanupInterval: defaultCleanupInterval,
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}

	if ms.cleanupInterval > 0 {
		go ms.cleanupExpiredKeys()
	}

	return ms
}

// cleanupExpiredKeys periodically removes expired keys
func (ms *MemoryStore) cleanupExpiredKeys() {
	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.removeExpiredKeys()
		case <-ms.stopChan:
			return
		}
	}
}

// removeExpiredKeys removes all expired keys from storage
func (ms *MemoryStore) removeExpiredKeys() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	for key := range ms.data {
		ms.evictIfExpired(key, now)
	}
	for key := range ms.sortedSets {
		ms.evictIfExpired(key, now)
	}
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// evictIfExpired drops the key when its expiry has passed. Caller holds ms.mu.
func (ms *MemoryStore) evictIfExpired(key string, now time.Time) {
	if val, ok := ms.data[key]; ok && expired(val.expiration, now) {
		delete(ms.data, key)
	}
	if zset, ok := ms.sortedSets[key]; ok && expired(zset.expiration, now) {
		delete(ms.sortedSets, key)
	}
}

func (ms *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return ms.now().Add(ttl)
}

// Get retrieves the current value for the given key
func (ms *MemoryStore) Get(_ context.Context, key string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.evictIfExpired(key, ms.now())
	val, exists := ms.data[key]
	if !exists {
		return "", nil
	}
	return val.value, nil
}

// Set sets the value for the given key with expiration
func (ms *MemoryStore) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.sortedSets, key)
	ms.data[key] = &StorageValue{
		value:      value,
		expiration: ms.deadline(ttl),
	}
	return nil
}

// Delete removes the key from storage
func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.data, key)
	delete(ms.sortedSets, key)
	return nil
}

// Exists reports whether a live key is present
func (ms *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.evictIfExpired(key, ms.now())
	_, isValue := ms.data[key]
	_, isSet := ms.sortedSets[key]
	return isValue || isSet, nil
}

// Increment increments the counter for the given key. The ttl is applied
// only when the counter is created, so the window keeps its first-hit origin.
func (ms *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.increment(key, ttl)
}

func (ms *MemoryStore) increment(key string, ttl time.Duration) (int64, error) {
	ms.evictIfExpired(key, ms.now())

	val, exists := ms.data[key]
	if !exists {
		ms.data[key] = &StorageValue{value: "1", expiration: ms.deadline(ttl)}
		return 1, nil
	}

	current, err := strconv.ParseInt(val.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("increment %s: value is not an integer", key)
	}
	current++
	val.value = strconv.FormatInt(current, 10)
	if val.expiration.IsZero() {
		val.expiration = ms.deadline(ttl)
	}
	return current, nil
}

// ZAdd adds a member with score to a sorted set
func (ms *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.zadd(key, score, member)
	return nil
}

func (ms *MemoryStore) zadd(key string, score float64, member string) {
	ms.evictIfExpired(key, ms.now())

	zset, exists := ms.sortedSets[key]
	if !exists {
		zset = &SortedSet{members: make(map[string]float64)}
		ms.sortedSets[key] = zset
	}
	zset.members[member] = score
}

// ZRemRangeByScore removes members with scores in the given range
func (ms *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.zremRangeByScore(key, min, max), nil
}

func (ms *MemoryStore) zremRangeByScore(key string, min, max float64) int64 {
	ms.evictIfExpired(key, ms.now())

	zset, exists := ms.sortedSets[key]
	if !exists {
		return 0
	}

	var removed int64
	for member, score := range zset.members {
		if score >= min && score <= max {
			delete(zset.members, member)
			removed++
		}
	}

	// Redis drops empty sorted sets
	if len(zset.members) == 0 {
		delete(ms.sortedSets, key)
	}
	return removed
}

// ZCount returns the cardinality of a sorted set
func (ms *MemoryStore) ZCount(_ context.Context, key string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.zcount(key), nil
}

func (ms *MemoryStore) zcount(key string) int64 {
	ms.evictIfExpired(key, ms.now())

	zset, exists := ms.sortedSets[key]
	if !exists {
		return 0
	}
	return int64(len(zset.members))
}

// ZRangeWithScores returns members ordered by score using Redis index semantics
func (ms *MemoryStore) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]ZMember, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.zrangeWithScores(key, start, stop), nil
}

func (ms *MemoryStore) zrangeWithScores(key string, start, stop int64) []ZMember {
	ms.evictIfExpired(key, ms.now())

	zset, exists := ms.sortedSets[key]
	if !exists {
		return []ZMember{}
	}

	entries := make([]ZMember, 0, len(zset.members))
	for member, score := range zset.members {
		entries = append(entries, ZMember{Member: member, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score == entries[j].Score {
			return entries[i].Member < entries[j].Member
		}
		return entries[i].Score < entries[j].Score
	})

	n := int64(len(entries))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []ZMember{}
	}
	return entries[start : stop+1]
}

// Expire sets expiration for a key. A non-positive ttl deletes the key.
func (ms *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.expire(key, ttl)
	return nil
}

func (ms *MemoryStore) expire(key string, ttl time.Duration) {
	ms.evictIfExpired(key, ms.now())

	if ttl <= 0 {
		delete(ms.data, key)
		delete(ms.sortedSets, key)
		return
	}

	at := ms.now().Add(ttl)
	if val, exists := ms.data[key]; exists {
		val.expiration = at
	}
	if zset, exists := ms.sortedSets[key]; exists {
		zset.expiration = at
	}
}

// Pipeline returns a sequential pipeline over this store
func (ms *MemoryStore) Pipeline() Pipeline {
	return &memoryPipeline{store: ms}
}

// LockKey serializes multi-step sequences on a single key
func (ms *MemoryStore) LockKey(key string) func() {
	return ms.keys.lock(key)
}

// Ping checks if the storage is accessible
func (ms *MemoryStore) Ping(_ context.Context) error {
	select {
	case <-ms.stopChan:
		return ErrStorageClosed
	default:
		return nil
	}
}

// Close stops the janitor. It is safe to call more than once.
func (ms *MemoryStore) Close() error {
	ms.closeOnce.Do(func() { close(ms.stopChan) })
	return nil
}

// keyMutex hands out one mutex per key and forgets it once nobody holds it.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

func (km *keyMutex) lock(key string) func() {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			km.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(km.locks, key)
			}
			km.mu.Unlock()
		})
	}
}
