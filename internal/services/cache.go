package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/storage"
)

// CacheService stores JSON documents in the rate limit store.
type CacheService interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type storeCacheService struct {
	store storage.Store
}

// NewStoreCacheService returns a CacheService backed by store.
func NewStoreCacheService(store storage.Store) CacheService {
	return &storeCacheService{store: store}
}

func (s *storeCacheService) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	return s.store.Set(ctx, key, string(payload), ttl)
}

// GetJSON decodes the value at key into dest. It reports false when the key is absent.
func (s *storeCacheService) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	payload, err := s.store.Get(ctx, key)
	if err != nil || payload == "" {
		return false, err
	}

	if err := json.Unmarshal([]byte(payload), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}

	return true, nil
}

func (s *storeCacheService) Exists(ctx context.Context, key string) (bool, error) {
	return s.store.Exists(ctx, key)
}

func (s *storeCacheService) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}
