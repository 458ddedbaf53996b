package dedup

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"saferelay/internal/types"
)

// RedisStore implements Store on a Redis server. SET NX gives the atomic
// insert-if-absent and Redis expires entries natively, so no sweeper is
// needed.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  types.Clock
	logger types.Logger
}

var _ Store = (*RedisStore)(nil)

// RedisConfig carries the connection parameters for the idempotency store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig, clock types.Clock, logger types.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, types.NewAppError(types.ErrCodeTransientStore, "redis ping failed", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "idem:"
	}

	return &RedisStore{client: client, prefix: prefix, clock: clock, logger: logger}, nil
}

func (s *RedisStore) AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	firstSeen := s.clock.Now().UTC().Format(time.RFC3339)
	created, err := s.client.SetNX(ctx, s.prefix+key, firstSeen, ttl).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeTransientStore, "redis SETNX failed", err)
	}
	return created, nil
}

func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	var count int64
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, types.NewAppError(types.ErrCodeTransientStore, "redis SCAN failed", err)
	}
	return count, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
