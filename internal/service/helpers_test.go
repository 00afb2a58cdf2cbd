package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/service"
	"github.com/mohammadhprp/nextlimit/internal/storage"
	"go.uber.org/zap"
)

// setupTest creates a memory store and a rate limit service with prefix "test"
func setupTest(t *testing.T) (*storage.MemoryStore, *service.RateLimitService) {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	svc, err := service.NewRateLimitService(store, "test", defaultPolicy(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return store, svc
}

func defaultPolicy() service.PolicyConfig {
	return service.PolicyConfig{
		Strategy: "sliding-window",
		WindowMs: 60_000,
		Limit:    2,
	}
}

// createFixedWindowConfig returns a valid fixed window configuration
func createFixedWindowConfig() *service.PolicyConfig {
	return &service.PolicyConfig{
		Strategy: "fixed-window",
		WindowMs: 60_000,
		Limit:    3,
	}
}

// createSlidingWindowConfig returns a valid sliding window configuration
func createSlidingWindowConfig() *service.PolicyConfig {
	return &service.PolicyConfig{
		Strategy: "sliding-window",
		WindowMs: 30_000,
		Limit:    5,
	}
}

// flakyStore is a memory store that fails every call while down is set
type flakyStore struct {
	*storage.MemoryStore
	down atomic.Bool
}

func newFlakyStore(t *testing.T) *flakyStore {
	t.Helper()
	s := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (s *flakyStore) fail() error {
	if s.down.Load() {
		return storage.ErrStorageUnavailable
	}
	return nil
}

func (s *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if err := s.fail(); err != nil {
		return "", err
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := s.fail(); err != nil {
		return 0, err
	}
	return s.MemoryStore.Increment(ctx, key, ttl)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if err := s.fail(); err != nil {
		return err
	}
	return s.MemoryStore.Ping(ctx)
}
