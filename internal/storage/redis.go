package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the slots of one client (browser) server-side. Keys are
// "<prefix>:<clientID>:<slot>"; every write resets the slot TTL.
type Redis struct {
	redis    redis.UniversalClient
	prefix   string
	clientID string
	ttl      time.Duration
}

func NewRedis(client redis.UniversalClient, prefix, clientID string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		redis:    client,
		prefix:   prefix,
		clientID: clientID,
		ttl:      ttl,
	}
}

func (s *Redis) key(slot string) string {
	return s.prefix + ":" + s.clientID + ":" + slot
}

func (s *Redis) Set(ctx context.Context, key, value string) error {
	const op = "storage.Redis.Set"

	if err := s.redis.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, key string) (string, error) {
	const op = "storage.Redis.Get"

	value, err := s.redis.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return value, nil
}

func (s *Redis) Delete(ctx context.Context, keys ...string) error {
	const op = "storage.Redis.Delete"

	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, s.key(k))
	}
	if err := s.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return nil
}
