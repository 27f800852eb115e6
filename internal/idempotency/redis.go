package idempotency

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the idempotency ledger with Redis. SetNX gives the
// atomic check-and-set; entries never expire (TTL 0) because the ledger
// only grows for the lifetime of the system.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:consumed:%s", s.prefix, id)
}

func (s *RedisStore) MarkConsumed(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(id), "1", 0).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *RedisStore) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
