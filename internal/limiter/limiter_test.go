package limiter_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/limiter"
	"github.com/mohammadhprp/nextlimit/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore rejects every counter operation
type failingStore struct {
	*storage.MemoryStore
	err error
}

func (s *failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, s.err
}

func newFailingLimiter(t *testing.T, policy limiter.ErrorPolicy, cause error) (*limiter.Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := &failingStore{MemoryStore: newTestStore(t, clock), err: cause}
	fw, err := limiter.NewFixedWindow(store,
		limiter.Config{Prefix: "test", Window: time.Minute, Limit: 7},
		nil,
		limiter.WithClock(clock.Now),
	)
	require.NoError(t, err)

	l, err := limiter.New(fw, policy, newTestLogger(t), limiter.WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock
}

func TestLimiterPassesThroughDecisions(t *testing.T) {
	clock := newFakeClock()
	fw, err := limiter.NewFixedWindow(newTestStore(t, clock),
		limiter.Config{Prefix: "test", Window: time.Minute, Limit: 1},
		nil,
		limiter.WithClock(clock.Now),
	)
	require.NoError(t, err)

	l, err := limiter.New(fw, "", nil)
	require.NoError(t, err)
	assert.Equal(t, limiter.OnErrorDeny, l.Policy())
	assert.Same(t, fw, l.Strategy())

	ctx := context.Background()
	allowed, err := l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, allowed)

	res, err := l.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.NoError(t, l.Reset(ctx, "u1"))
	allowed, err = l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiterErrorPolicies(t *testing.T) {
	cause := fmt.Errorf("%w: incr test:fixed-window:u1: connection refused", storage.ErrStorageUnavailable)

	t.Run("deny", func(t *testing.T) {
		l, clock := newFailingLimiter(t, limiter.OnErrorDeny, cause)

		res, err := l.Limit(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, limiter.Result{Allowed: false, Limit: 7, Remaining: 0, Reset: clock.Millis()}, res)
	})

	t.Run("allow", func(t *testing.T) {
		l, clock := newFailingLimiter(t, limiter.OnErrorAllow, cause)

		res, err := l.Limit(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, limiter.Result{Allowed: true, Limit: 7, Remaining: 7, Reset: clock.Millis()}, res)
	})

	t.Run("throw", func(t *testing.T) {
		l, _ := newFailingLimiter(t, limiter.OnErrorThrow, cause)

		_, err := l.Limit(context.Background(), "u1")
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
		assert.Equal(t, cause, err)

		allowed, err := l.Allow(context.Background(), "u1")
		assert.Error(t, err)
		assert.False(t, allowed)
	})

	t.Run("timeouts follow the same policy", func(t *testing.T) {
		l, _ := newFailingLimiter(t, limiter.OnErrorAllow, fmt.Errorf("%w: incr", storage.ErrStorageTimeout))

		allowed, err := l.Allow(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestParseErrorPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    limiter.ErrorPolicy
		wantErr bool
	}{
		{"", limiter.OnErrorDeny, false},
		{"deny", limiter.OnErrorDeny, false},
		{"allow", limiter.OnErrorAllow, false},
		{" THROW ", limiter.OnErrorThrow, false},
		{"ignore", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := limiter.ParseErrorPolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, limiter.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	clock := newFakeClock()
	fw, err := limiter.NewFixedWindow(newTestStore(t, clock), limiter.Config{Window: time.Second, Limit: 1}, nil)
	require.NoError(t, err)

	_, err = limiter.New(fw, "maybe", nil)
	assert.ErrorIs(t, err, limiter.ErrInvalidConfig)
}

func TestResultRetryAfter(t *testing.T) {
	now := time.UnixMilli(10_000)

	assert.Equal(t, 1500*time.Millisecond, limiter.Result{Reset: 11_500}.RetryAfter(now))
	assert.Equal(t, time.Duration(0), limiter.Result{Reset: 10_000}.RetryAfter(now))
	assert.Equal(t, time.Duration(0), limiter.Result{Reset: 9_000}.RetryAfter(now))
}
