package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Client is the Redis client shared by the catalog cache and the transition guard.
type Client = redis.Client

// NewClient parses a redis:// URL and verifies the server answers.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
