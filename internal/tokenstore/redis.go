package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps tokens in Redis. Expiry uses the native per-key TTL and
// redemption uses GETDEL so the read and the delete are one command.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Issue stores the mapping with the given TTL.
func (s *RedisStore) Issue(ctx context.Context, namespace, token, targetID string, ttl time.Duration) error {
	return s.client.Set(ctx, namespace+token, targetID, ttl).Err()
}

// Redeem atomically fetches and deletes the token.
func (s *RedisStore) Redeem(ctx context.Context, namespace, token string) (string, error) {
	val, err := s.client.GetDel(ctx, namespace+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Peek fetches the token value without consuming it.
func (s *RedisStore) Peek(ctx context.Context, namespace, token string) (string, error) {
	val, err := s.client.Get(ctx, namespace+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Invalidate removes the token.
func (s *RedisStore) Invalidate(ctx context.Context, namespace, token string) error {
	return s.client.Del(ctx, namespace+token).Err()
}
