// Package cache holds the Redis-backed state shared by request handlers and
// background consumers: the session token store, denormalized user snapshots
// and the last delivered message. Redis is the synchronization point; nothing
// here keeps in-process mutable state.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient opens a Redis client and verifies connectivity.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}
