package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/memberbridge/pkg/config"
	"github.com/dmitrymomot/memberbridge/pkg/httpserver"
	"github.com/dmitrymomot/memberbridge/pkg/logger"
	"github.com/dmitrymomot/memberbridge/pkg/mongo"
	"github.com/dmitrymomot/memberbridge/pkg/paypal"
	"github.com/dmitrymomot/memberbridge/pkg/pg"
	"github.com/dmitrymomot/memberbridge/pkg/ratelimiter"
	"github.com/dmitrymomot/memberbridge/pkg/redis"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
	"github.com/dmitrymomot/memberbridge/pkg/subscription/mongostore"
	"github.com/dmitrymomot/memberbridge/pkg/subscription/pgstore"
)

type storage struct {
	store   subscription.Store
	catalog subscription.PlanCatalog
	pending subscription.PendingCheckouts
	locker  subscription.Locker
	limits  ratelimiter.Store
	checks  []httpserver.Check
}

type planSaver interface {
	SavePlan(ctx context.Context, plan subscription.Plan) error
}

// buildStorage connects the configured backends. The returned cleanup closes them.
func buildStorage(ctx context.Context, cfg appConfig, log *slog.Logger) (*storage, func(), error) {
	var (
		deps    = &storage{}
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*storage, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	var fileCatalog *subscription.InMemCatalog
	if cfg.PlansFile != "" {
		c, err := subscription.LoadCatalogFile(cfg.PlansFile)
		if err != nil {
			return fail(err)
		}
		fileCatalog = c
	}

	var saver planSaver
	switch cfg.StorageDriver {
	case "memory", "":
		if fileCatalog == nil {
			return fail(errors.New("PLANS_FILE is required with the memory storage driver"))
		}
		deps.store = subscription.NewMemoryStore()
		deps.catalog = fileCatalog

	case "mongo":
		var mcfg mongo.Config
		if err := config.Load(&mcfg); err != nil {
			return fail(err)
		}
		client, err := mongo.Connect(ctx, mcfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })

		store := mongostore.New(client.Database(mcfg.Database))
		if err := store.Migrate(ctx); err != nil {
			return fail(err)
		}
		deps.store, deps.catalog, saver = store, store, store
		deps.checks = append(deps.checks, httpserver.Check{Name: "mongo", Fn: mongo.Healthcheck(client)})

	case "postgres":
		var pcfg pg.Config
		if err := config.Load(&pcfg); err != nil {
			return fail(err)
		}
		pool, err := pg.Connect(ctx, pcfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pool.Close)

		if err := pg.Migrate(ctx, pool, pcfg, pgstore.Migrations, pgstore.MigrationsDir, log.With(logger.Component("migrations"))); err != nil {
			return fail(err)
		}
		store := pgstore.New(pool)
		deps.store, deps.catalog, saver = store, store, store
		deps.checks = append(deps.checks, httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(pool)})

	default:
		return fail(fmt.Errorf("unknown storage driver %q", cfg.StorageDriver))
	}

	if cfg.SeedPlans && saver != nil && fileCatalog != nil {
		for _, plan := range fileCatalog.Plans() {
			if err := saver.SavePlan(ctx, plan); err != nil {
				return fail(err)
			}
		}
		log.InfoContext(ctx, "plan catalog seeded", logger.Count(len(fileCatalog.Plans())))
	}

	if cfg.RedisEnabled {
		var rcfg redis.Config
		if err := config.Load(&rcfg); err != nil {
			return fail(err)
		}
		client, err := redis.Connect(ctx, rcfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = client.Close() })

		deps.locker = redis.NewLocker(client, cfg.RedisKeyPrefix)
		deps.pending = redis.NewReservations(client, cfg.RedisKeyPrefix+"checkout:")
		deps.limits = redis.NewRateLimitStore(client, cfg.RedisKeyPrefix+"ratelimit:")
		deps.checks = append(deps.checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(client)})
	} else {
		mem := ratelimiter.NewMemoryStore()
		closers = append(closers, mem.Close)
		deps.limits = mem
	}

	return deps, cleanup, nil
}

func buildProvider(cfg appConfig, log *slog.Logger) (subscription.PaymentProvider, error) {
	switch cfg.PaymentProvider {
	case "paypal":
		var pcfg paypal.Config
		if err := config.Load(&pcfg); err != nil {
			return nil, err
		}
		client, err := paypal.NewClient(pcfg, paypal.WithLogger(log.With(logger.Component("paypal"))))
		if err != nil {
			return nil, err
		}
		return client, nil
	case "paddle":
		var pcfg subscription.PaddleConfig
		if err := config.Load(&pcfg); err != nil {
			return nil, err
		}
		provider, err := subscription.NewPaddleProvider(pcfg)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.PaymentProvider)
	}
}
