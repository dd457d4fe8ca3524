package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"ensemble-inference-scheduler/internal/config"
)

type RedisClient interface {
	Ping(ctx context.Context) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Close() error
}

var _ RedisClient = (*redClient)(nil)

type redClient struct {
	cli *redis.Client
}

func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redClient, error) {
	opts := &redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redClient{cli: c}, nil
}

func (r *redClient) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *redClient) Incr(ctx context.Context, key string) (int64, error) {
	return r.cli.Incr(ctx, key).Result()
}

func (r *redClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return r.cli.Expire(ctx, key, expiration).Err()
}

func (r *redClient) Close() error {
	return r.cli.Close()
}
