package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lying200/db-bench-order/pkg/types"
)

// RedisStore keeps the checkpoint under a single Redis key.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(url, key string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis connection string: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opt), key: key}, nil
}

func (s *RedisStore) Load(ctx context.Context) (types.Position, error) {
	pos, err := s.client.Get(ctx, s.key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", s.key, err)
	}
	return types.Position(pos), nil
}

func (s *RedisStore) Save(ctx context.Context, pos types.Position) error {
	if err := s.client.Set(ctx, s.key, uint64(pos), 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
