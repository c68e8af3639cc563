package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

// RedisConfig holds connection settings for the durable store
type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	UserID   string        `json:"user_id"`
	TTL      time.Duration `json:"ttl"` // zero means no expiry
}

// RedisStore persists keys in Redis, namespaced per user so several
// daemons can share one instance
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *logx.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, config RedisConfig, logger *logx.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", config.Addr, err)
	}
	logger.Info("connected to redis", "addr", config.Addr, "db", config.DB)
	return &RedisStore{client: client, config: config, logger: logger}, nil
}

func (r *RedisStore) key(k string) string {
	return fmt.Sprintf("proximity:%s:%s", r.config.UserID, k)
}

// Get fetches a key, reporting found=false when it does not exist
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores a key with the configured TTL
func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, r.config.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close releases the client connection pool
func (r *RedisStore) Close() error {
	return r.client.Close()
}
