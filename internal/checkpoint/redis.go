package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"graphchat/internal/config"
)

const defaultRedisPrefix = "graphchat:checkpoint"

// RedisStore keeps one key per thread, optionally expiring after a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	cfg    config.RedisConfig
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client *redis.Client, cfg config.RedisConfig) *RedisStore {
	prefix := strings.TrimRight(cfg.Prefix, ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, cfg: cfg}
}

func (s *RedisStore) key(threadID string) string {
	return s.prefix + ":" + threadID
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, threadID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if errors.Is(err, redis.ErrClosed) {
		return nil, ErrStoreClosed
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// Save implements Store. A zero TTL keeps the key forever.
func (s *RedisStore) Save(ctx context.Context, threadID string, data []byte) error {
	err := s.client.Set(ctx, s.key(threadID), data, s.cfg.TTL).Err()
	if errors.Is(err, redis.ErrClosed) {
		return ErrStoreClosed
	}
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, s.key(threadID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
