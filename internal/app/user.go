package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hongminglow/usersync/internal/bus"
	"github.com/hongminglow/usersync/internal/cache"
	"github.com/hongminglow/usersync/internal/config"
	"github.com/hongminglow/usersync/internal/directory"
	"github.com/hongminglow/usersync/internal/http/handlers"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/outbox"
	"github.com/hongminglow/usersync/internal/reconciler"
	"github.com/hongminglow/usersync/internal/server"
)

// RunUserService runs the user directory: the HTTP API, the outbox relay
// for lifecycle events and the consumer of session-gated messages. It
// returns when ctx ends or any part fails.
func RunUserService(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	startedAt := time.Now()
	logger = logger.With("service", "user-service")

	res, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer res.Close()

	events := EventsPublisher(res.Broker, cfg)
	defer events.Close()

	opts := OutboxOptions(cfg)
	db := res.Store.DB()
	dispatcher := outbox.NewDispatcher(res.Store, db, events, opts, logger)
	relay := outbox.NewRelay(res.Store, db, events, opts, logger)
	users := directory.NewService(db, res.Store, dispatcher, logger)

	if summary, err := relay.Pending(ctx); err == nil {
		logger.Info(ctx, "outbox backlog", "pending", summary.Pending, "processing", summary.Processing, "failed", summary.Failed)
	}

	lastMessage := cache.NewLastMessageStore(res.Redis)
	messages := bus.NewConsumer(res.Broker, bus.Route{Queue: cfg.UserMessagesQueue}, cfg.ConsumerPrefetch, logger)
	defer messages.Close()
	rec := reconciler.New("messages", reconciler.FromConsumer(messages),
		reconciler.Messages(reconciler.RecordLastMessage(lastMessage)), logger)

	srv := server.New(cfg.HTTPAddress(), cfg.CORSOrigins, logger,
		handlers.NewUsersHandler(users, logger),
		handlers.NewMessagesHandler(lastMessage),
		handlers.NewHealthHandler(startedAt, res.HealthChecks()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndRun(gctx, cfg.ShutdownTimeout) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	return g.Wait()
}

// EventsPublisher publishes lifecycle events. It declares the auth service's
// durable queue and binding itself, so events published before the auth
// service has ever run are kept rather than dropped by the exchange.
func EventsPublisher(conn *bus.Connection, cfg config.Config) *bus.Publisher {
	return bus.NewPublisher(conn, LifecycleRoute(cfg))
}

// OutboxOptions maps configuration onto dispatcher and relay tuning.
func OutboxOptions(cfg config.Config) outbox.Options {
	return outbox.Options{
		MaxAttempts:  cfg.PublishMaxAttempts,
		Timeout:      cfg.PublishTimeout,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
	}
}
