package limiter_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/limiter"
	"github.com/mohammadhprp/nextlimit/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSlidingWindow(t *testing.T, store storage.Store, clock *fakeClock, window time.Duration, limit int64) *limiter.SlidingWindow {
	t.Helper()
	sw, err := limiter.NewSlidingWindow(store,
		limiter.Config{Prefix: "test", Window: window, Limit: limit},
		newTestLogger(t),
		limiter.WithClock(clock.Now),
		limiter.WithNonce(sequenceNonce()),
	)
	require.NoError(t, err)
	return sw
}

func TestSlidingWindowInitialWindow(t *testing.T) {
	clock := newFakeClock()
	sw := newSlidingWindow(t, newTestStore(t, clock), clock, time.Second, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := sw.Limit(ctx, "test_key")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, int64(5-(i+1)), res.Remaining)
	}

	res, err := sw.Limit(ctx, "test_key")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "request 6 should be denied")
	assert.Equal(t, int64(0), res.Remaining)
}

func TestSlidingWindowRollingBoundary(t *testing.T) {
	clock := newFakeClock()
	sw := newSlidingWindow(t, newTestStore(t, clock), clock, time.Second, 1)
	ctx := context.Background()
	start := clock.Millis()

	res, err := sw.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, start+1000, res.Reset)

	clock.Advance(500 * time.Millisecond)
	res, err = sw.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, start+1000, res.Reset, "reset follows the oldest admitted request")

	clock.Advance(501 * time.Millisecond)
	res, err = sw.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, clock.Millis()+1000, res.Reset)
}

func TestSlidingWindowEntriesLeaveOneByOne(t *testing.T) {
	clock := newFakeClock()
	sw := newSlidingWindow(t, newTestStore(t, clock), clock, time.Second, 2)
	ctx := context.Background()

	_, err := sw.Limit(ctx, "u1")
	require.NoError(t, err)
	clock.Advance(300 * time.Millisecond)
	_, err = sw.Limit(ctx, "u1")
	require.NoError(t, err)

	clock.Advance(300 * time.Millisecond)
	res, err := sw.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// first entry has left the window, the second has not
	clock.Advance(401 * time.Millisecond)
	res, err = sw.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
}

func TestSlidingWindowDeniedRequestsAreNotRecorded(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	sw := newSlidingWindow(t, store, clock, time.Second, 2)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := sw.Limit(ctx, "u1")
		require.NoError(t, err)
	}

	count, err := store.ZCount(ctx, "test:sliding-window:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSlidingWindowSameMillisecondDistinctMembers(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	sw := newSlidingWindow(t, store, clock, time.Second, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := sw.Limit(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	members, err := store.ZRangeWithScores(ctx, "test:sliding-window:u1", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 3)
	now := clock.Millis()
	for i, m := range members {
		assert.Equal(t, float64(now), m.Score)
		assert.Equal(t, fmt.Sprintf("%d:n%d", now, i+1), m.Member)
	}
}

func TestSlidingWindowKeyExpiresWithWindow(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	sw := newSlidingWindow(t, store, clock, time.Second, 2)
	ctx := context.Background()

	_, err := sw.Limit(ctx, "u1")
	require.NoError(t, err)

	exists, err := store.Exists(ctx, "test:sliding-window:u1")
	require.NoError(t, err)
	assert.True(t, exists)

	clock.Advance(time.Second)
	exists, err = store.Exists(ctx, "test:sliding-window:u1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSlidingWindowConcurrentNoOvershoot(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	sw, err := limiter.NewSlidingWindow(store,
		limiter.Config{Prefix: "test", Window: time.Minute, Limit: 10},
		nil,
		limiter.WithClock(clock.Now),
	)
	require.NoError(t, err)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sw.Limit(ctx, "shared")
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestSlidingWindowReset(t *testing.T) {
	clock := newFakeClock()
	sw := newSlidingWindow(t, newTestStore(t, clock), clock, time.Minute, 1)
	ctx := context.Background()

	res, err := sw.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NoError(t, sw.Reset(ctx, "u1"))

	res, err = sw.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, limiter.StrategySlidingWindow, sw.Name())
}

// scriptStore is a MemoryStore that also claims script support and
// replays canned script replies.
type scriptStore struct {
	*storage.MemoryStore

	mu       sync.Mutex
	loads    int
	loadErr  error
	evalErrs []error
	reply    []int64
	lastSHA  string
	lastKeys []string
	lastArgs []string
}

func (s *scriptStore) LoadScript(_ context.Context, script string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return "", s.loadErr
	}
	if script == "" {
		return "", fmt.Errorf("empty script")
	}
	s.loads++
	return fmt.Sprintf("sha-%d", s.loads), nil
}

func (s *scriptStore) EvalScript(_ context.Context, sha string, keys []string, args []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSHA, s.lastKeys, s.lastArgs = sha, keys, args
	if len(s.evalErrs) > 0 {
		err := s.evalErrs[0]
		s.evalErrs = s.evalErrs[1:]
		return nil, err
	}
	return s.reply, nil
}

func newScriptStore(t *testing.T, clock *fakeClock) *scriptStore {
	return &scriptStore{MemoryStore: newTestStore(t, clock)}
}

var errNoScript = fmt.Errorf("%w: evalsha: NOSCRIPT No matching script", storage.ErrScriptUnavailable)

func TestSlidingWindowScriptReply(t *testing.T) {
	clock := newFakeClock()
	store := newScriptStore(t, clock)
	store.reply = []int64{1, 4, 123}
	sw := newSlidingWindow(t, store, clock, time.Second, 5)

	res, err := sw.Limit(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, limiter.Result{Allowed: true, Limit: 5, Remaining: 4, Reset: 123}, res)

	assert.Equal(t, "sha-1", store.lastSHA)
	assert.Equal(t, []string{"test:sliding-window:u1"}, store.lastKeys)
	assert.Equal(t, []string{fmt.Sprint(clock.Millis()), "1000", "5", "n1"}, store.lastArgs)

	store.reply = []int64{0, 0, 456}
	res, err = sw.Limit(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(456), res.Reset)
	assert.Equal(t, 1, store.loads, "script sha is cached")
}

func TestSlidingWindowScriptReloadsOnce(t *testing.T) {
	clock := newFakeClock()
	store := newScriptStore(t, clock)
	store.reply = []int64{1, 2, 99}
	store.evalErrs = []error{errNoScript}
	sw := newSlidingWindow(t, store, clock, time.Second, 3)

	res, err := sw.Limit(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, store.loads)
	assert.Equal(t, "sha-2", store.lastSHA)
}

func TestSlidingWindowScriptUnavailableAfterReload(t *testing.T) {
	clock := newFakeClock()
	store := newScriptStore(t, clock)
	store.evalErrs = []error{errNoScript, errNoScript}
	sw := newSlidingWindow(t, store, clock, time.Second, 3)

	_, err := sw.Limit(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.ErrorIs(t, err, storage.ErrScriptUnavailable)
	assert.Equal(t, 2, store.loads)
}

func TestSlidingWindowScriptErrors(t *testing.T) {
	t.Run("load failure is returned", func(t *testing.T) {
		clock := newFakeClock()
		store := newScriptStore(t, clock)
		store.loadErr = fmt.Errorf("%w: script load", storage.ErrStorageTimeout)
		sw := newSlidingWindow(t, store, clock, time.Second, 3)

		_, err := sw.Limit(context.Background(), "u1")
		assert.ErrorIs(t, err, storage.ErrStorageTimeout)
	})

	t.Run("malformed reply", func(t *testing.T) {
		clock := newFakeClock()
		store := newScriptStore(t, clock)
		store.reply = []int64{1}
		sw := newSlidingWindow(t, store, clock, time.Second, 3)

		_, err := sw.Limit(context.Background(), "u1")
		assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
	})

	t.Run("eval failure is returned", func(t *testing.T) {
		clock := newFakeClock()
		store := newScriptStore(t, clock)
		store.evalErrs = []error{fmt.Errorf("%w: evalsha", storage.ErrStorageTimeout)}
		sw := newSlidingWindow(t, store, clock, time.Second, 3)

		_, err := sw.Limit(context.Background(), "u1")
		assert.ErrorIs(t, err, storage.ErrStorageTimeout)
		assert.Equal(t, 1, store.loads)
	})
}
