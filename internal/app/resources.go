// Package app assembles the two processes from their parts: it opens the
// shared infrastructure, wires services to handlers and consumers, and
// supervises the long-running loops until the context ends.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hongminglow/usersync/internal/bus"
	"github.com/hongminglow/usersync/internal/cache"
	"github.com/hongminglow/usersync/internal/config"
	"github.com/hongminglow/usersync/internal/http/handlers"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/storage/postgres"
)

const healthCheckTimeout = 2 * time.Second

// Resources are the connections a process holds for its lifetime.
type Resources struct {
	Store  *postgres.Store
	Redis  *redis.Client
	Broker *bus.Connection
}

// Open connects to Postgres and Redis and prepares the lazily dialed broker
// connection. Postgres and Redis must be reachable at startup; the broker
// may come up later.
func Open(ctx context.Context, cfg config.Config, logger logging.Logger) (*Resources, error) {
	store, err := postgres.Open(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	rdb, err := cache.NewClient(ctx, cache.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open redis: %w", err)
	}

	return &Resources{
		Store:  store,
		Redis:  rdb,
		Broker: bus.NewConnection(cfg.RabbitURL, logger),
	}, nil
}

// Close releases everything Open acquired.
func (r *Resources) Close() {
	_ = r.Broker.Close()
	_ = r.Redis.Close()
	r.Store.Close()
}

// HealthChecks reports reachability of each dependency.
func (r *Resources) HealthChecks() map[string]handlers.Check {
	return map[string]handlers.Check{
		"postgres": withTimeout(r.Store.Ping),
		"redis": withTimeout(func(ctx context.Context) error {
			return r.Redis.Ping(ctx).Err()
		}),
		"rabbitmq": withTimeout(func(ctx context.Context) error {
			if r.Broker.Connected() {
				return nil
			}
			ch, err := r.Broker.Channel(ctx)
			if err != nil {
				return err
			}
			return ch.Close()
		}),
	}
}

func withTimeout(check handlers.Check) handlers.Check {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()
		return check(ctx)
	}
}

