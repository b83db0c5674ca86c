package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hongminglow/usersync/internal/auth"
	"github.com/hongminglow/usersync/internal/bus"
	"github.com/hongminglow/usersync/internal/cache"
	"github.com/hongminglow/usersync/internal/config"
	"github.com/hongminglow/usersync/internal/gateway"
	"github.com/hongminglow/usersync/internal/http/handlers"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/reconciler"
	"github.com/hongminglow/usersync/internal/server"
)

// RunAuthService runs the auth gateway: login, logout and send over HTTP,
// plus the lifecycle consumer that keeps sessions consistent with the
// directory.
func RunAuthService(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	startedAt := time.Now()
	logger = logger.With("service", "auth-service")

	res, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer res.Close()

	signer := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL())
	tokens := cache.NewTokenStore(res.Redis)
	snapshots := cache.NewSnapshotStore(res.Redis)

	messages := bus.NewPublisher(res.Broker, bus.Route{Queue: cfg.UserMessagesQueue})
	defer messages.Close()

	gw := gateway.NewService(res.Store.Users(res.Store.DB()), tokens, signer, messages, cfg.PublishTimeout, logger)
	revoker := gateway.NewSessionRevoker(tokens, snapshots, signer, logger)

	lifecycle := bus.NewConsumer(res.Broker, LifecycleRoute(cfg), cfg.ConsumerPrefetch, logger)
	defer lifecycle.Close()
	rec := reconciler.New("lifecycle", reconciler.FromConsumer(lifecycle), reconciler.Lifecycle(reconciler.LifecycleHandlers{
		Create: revoker.Created,
		Update: revoker.Updated,
		Delete: revoker.Deleted,
	}), logger)

	srv := server.New(cfg.HTTPAddress(), cfg.CORSOrigins, logger,
		handlers.NewAuthHandler(gw, logger),
		handlers.NewHealthHandler(startedAt, res.HealthChecks()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndRun(gctx, cfg.ShutdownTimeout) })
	g.Go(func() error { return rec.Run(gctx) })
	return g.Wait()
}

// LifecycleRoute is the auth service's subscription to directory events.
// Both sides declare it with the same arguments.
func LifecycleRoute(cfg config.Config) bus.Route {
	return bus.Route{
		Exchange:   cfg.UserEventsExchange,
		Queue:      cfg.UserEventsQueue,
		DeadLetter: true,
	}
}
