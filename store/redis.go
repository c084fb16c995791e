package store

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"salesdash/config"
)

// NewRedisClient builds the shared Redis client. The connection is created
// once at process start and handed to every component that needs it; nothing
// caches a client at package level.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
