package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/setanarut/depthlayer/config"
	"github.com/setanarut/depthlayer/model"
	"github.com/setanarut/depthlayer/utils"
	"go.uber.org/zap"
)

const keyPrefix = "layer:"

// ResultCache stores finished results by cache key. A miss is (nil, nil).
type ResultCache interface {
	GetLayerResult(ctx context.Context, key string) (*model.LayerResult, error)
	SetLayerResult(ctx context.Context, key string, result *model.LayerResult) error
}

type RedisService struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ResultCache = (*RedisService)(nil)

func NewRedisService(cfg *config.RedisConfig) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisService{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisService) GetLayerResult(ctx context.Context, key string) (*model.LayerResult, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var result model.LayerResult
	if err := json.Unmarshal(data, &result); err != nil {
		utils.Logger.Error("failed to unmarshal layer result",
			zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return &result, nil
}

func (s *RedisService) SetLayerResult(ctx context.Context, key string, result *model.LayerResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// MemoryCache is an in-process ResultCache used when Redis is disabled. It
// holds at most limit results, evicting the least recently used, and expires
// entries after ttl like RedisService does. ttl <= 0 disables expiry.
type MemoryCache struct {
	lru *expirable.LRU[string, *model.LayerResult]
}

func NewMemoryCache(limit int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, *model.LayerResult](max(limit, 1), nil, ttl)}
}

func (m *MemoryCache) GetLayerResult(_ context.Context, key string) (*model.LayerResult, error) {
	result, ok := m.lru.Get(key)
	if !ok {
		return nil, nil
	}
	return result, nil
}

func (m *MemoryCache) SetLayerResult(_ context.Context, key string, result *model.LayerResult) error {
	m.lru.Add(key, result)
	return nil
}
