package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/cartstore/internal/storage"
	"github.com/utafrali/cartstore/pkg/database"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on top of Redis strings. Keys never expire:
// the cart outlives the session that wrote it.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates a Redis-backed store. prefix is prepended to every key and
// may be empty.
func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (_ string, _ bool, err error) {
	ctx, end := database.TraceOp(ctx, "redis", "Get", key)
	defer func() { end(err) }()

	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key without a TTL.
func (s *Store) Set(ctx context.Context, key, value string) (err error) {
	ctx, end := database.TraceOp(ctx, "redis", "Set", key)
	defer func() { end(err) }()

	if err = s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
