package limiter_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/storage"
	"go.uber.org/zap"
)

// fakeClock is a manually advanced time source shared by strategy and store
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Millis() int64 {
	return c.Now().UnixMilli()
}

// sequenceNonce returns n1, n2, ... so members stay deterministic
func sequenceNonce() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("n%d", n.Add(1))
	}
}

// newTestLogger creates a test logger with minimal output
func newTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Sync() })
	return logger
}

func newTestStore(t *testing.T, clock *fakeClock) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore(storage.WithClock(clock.Now), storage.WithCleanupInterval(0))
	t.Cleanup(func() { _ = store.Close() })
	return store
}
