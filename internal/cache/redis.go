package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "rolodex:"

// RedisConfig configures a Redis-backed store shared across service replicas.
type RedisConfig struct {
	Client goredis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// Redis stores string values in Redis under a key prefix.
type Redis struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed store.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("cache: redis client required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: cfg.Client, prefix: prefix, ttl: cfg.TTL}, nil
}

// DialRedis connects to a single Redis node and verifies it answers.
func DialRedis(ctx context.Context, address string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        address,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return client, nil
}

// Get returns the stored value for key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: redis get: %w", err)
	}
	return value, true, nil
}

// Set stores value with the store TTL.
func (r *Redis) Set(ctx context.Context, key string, value string) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

var (
	_ Store[string] = (*Redis)(nil)
	_ Store[string] = (*Memory[string])(nil)
)
